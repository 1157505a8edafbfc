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

package log

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level is the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Panicf(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message, prefixing each line.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline informational message, prefixing each line.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string
	// SlogHandler returns a log/slog handler emitting through this Logger.
	SlogHandler() slog.Handler
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

// logging is the bookkeeping shared by all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	sources map[string]struct{}
	dbgmap  srcmap
	debug   map[string]bool
	forced  bool
	prefix  bool
}

var (
	log = &logging{
		level:   DefaultLevel,
		sources: make(map[string]struct{}),
		dbgmap:  make(srcmap),
		debug:   make(map[string]bool),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// SetupDebugToggleSignal toggles forced debugging for all sources when
// the given signal is received.
func SetupDebugToggleSignal(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			log.Lock()
			log.forced = !log.forced
			state := log.forced
			log.Unlock()
			deflog.Warn("forced full debugging is now %v...", state)
		}
	}()
}

// Sources returns the names of all known logger sources.
func Sources() []string {
	log.RLock()
	defer log.RUnlock()

	names := make([]string, 0, len(log.sources))
	for src := range log.sources {
		names = append(names, src)
	}
	sort.Strings(names)

	return names
}

func (log *logging) get(source string) logger {
	log.Lock()
	defer log.Unlock()

	if _, ok := log.sources[source]; !ok {
		log.sources[source] = struct{}{}
		log.debug[source] = log.dbgmap.enabled(source)
	}

	return logger{source: source}
}

// setDbgMap installs a new debug map and updates all known sources.
func (log *logging) setDbgMap(m srcmap) {
	log.dbgmap = m
	for src := range log.sources {
		log.debug[src] = m.enabled(src)
	}
}

func (log *logging) setPrefix(prefix bool) {
	log.prefix = prefix
}

func (log *logging) debugEnabled(source string) bool {
	log.RLock()
	defer log.RUnlock()
	return log.forced || log.debug[source]
}

func (log *logging) format(source, format string, args ...interface{}) string {
	log.RLock()
	prefix := log.prefix
	log.RUnlock()

	msg := fmt.Sprintf(format, args...)
	if !prefix {
		return msg
	}
	return "[" + source + "] " + msg
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, "D: "+log.format(l.source, format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, log.format(l.source, format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, log.format(l.source, format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(l.source, format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(l.source, format, args...))
	klog.Flush()
	os.Exit(1)
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := log.format(l.source, format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	panic(msg)
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }
func (l logger) Fatalf(format string, args ...interface{}) { l.Fatal(format, args...) }
func (l logger) Panicf(format string, args ...interface{}) { l.Panic(format, args...) }

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, "D: "+log.format(l.source, "%s%s", prefix, line))
	}
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, log.format(l.source, "%s%s", prefix, line))
	}
}

func (l logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	prev := log.debug[l.source]
	log.debug[l.source] = state
	return prev
}

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a formatted package-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
