// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	k8swatch "k8s.io/apimachinery/pkg/watch"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1"
	logger "github.com/containers/pnm-resmgr/pkg/log"
)

// EventType is the type of a configuration watch event.
type EventType string

const (
	// Updated is sent with the new configuration when the file changes.
	Updated EventType = "UPDATED"
	// Deleted is sent when the file is removed or renamed away.
	Deleted EventType = "DELETED"
	// Invalid is sent with the error when the file fails to parse.
	Invalid EventType = "INVALID"
)

// Event is a configuration watch event.
type Event struct {
	Type   EventType
	Config *cfgapi.ResourceManagerConfig
	Error  error
}

// Watcher watches a configuration file for changes.
type Watcher struct {
	dir      string
	file     string
	fsw      *fsnotify.Watcher
	last     []byte
	resultC  chan Event
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

var (
	log = logger.Get("config")
)

// Watch starts watching the given configuration file. The directory of
// the file is watched, so the file can be created, replaced or removed
// while being watched.
func Watch(file string) (*Watcher, error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:     filepath.Dir(absPath),
		file:    filepath.Base(absPath),
		fsw:     fsw,
		resultC: make(chan Event, k8swatch.DefaultChanSize),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}

	if data, err := os.ReadFile(w.path()); err == nil {
		w.last = data
	} else if !errors.Is(err, fs.ErrNotExist) {
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watch.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

// ResultChan returns the channel for receiving events from the watch.
func (w *Watcher) ResultChan() <-chan Event {
	return w.resultC
}

func (w *Watcher) run() {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			log.Warn("%s: failed to close fsnotify watcher: %v", w.path(), err)
		}
		close(w.resultC)
		close(w.doneC)
	}()

	for {
		select {
		case <-w.stopC:
			return

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("%s: fsnotify error: %v", w.path(), err)

		case e, ok := <-w.fsw.Events:
			if !ok {
				log.Error("%s: fsnotify event channel closed", w.path())
				return
			}

			log.Debug("%s: got event %+v", w.path(), e)

			if filepath.Base(e.Name) != w.file {
				continue
			}

			switch {
			case (e.Op & (fsnotify.Create | fsnotify.Write)) != 0:
				w.reload()
			case (e.Op & (fsnotify.Remove | fsnotify.Rename)) != 0:
				w.last = nil
				w.sendEvent(Event{Type: Deleted})
			}
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path())
	if err != nil {
		log.Debug("%s: failed to read: %v", w.path(), err)
		return
	}

	if bytes.Equal(data, w.last) {
		return
	}

	cfg, err := Parse(data, w.path())
	if err != nil {
		// Editors can leave a partially written file behind for a
		// while, the next write event will retry.
		w.sendEvent(Event{Type: Invalid, Error: err})
		return
	}

	w.last = data
	w.sendEvent(Event{Type: Updated, Config: cfg})
}

func (w *Watcher) sendEvent(e Event) {
	select {
	case w.resultC <- e:
	default:
		log.Warn("%s: failed to deliver %s event", w.path(), e.Type)
	}
}

func (w *Watcher) path() string {
	return filepath.Join(w.dir, w.file)
}
