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

package procmgr

import (
	"sort"
	"sync"
	"time"

	"github.com/containers/pnm-resmgr/pkg/pnm"
)

// ClientKey identifies the client behind a session, for instance a process.
type ClientKey string

// session records the resources owned by a single client.
type session struct {
	id     pnm.SessionID
	client ClientKey
	refs   int
	allocs map[pnm.AllocKey]pnm.Allocation
	units  pnm.UnitMask
	opened time.Time
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID          pnm.SessionID    `json:"id"`
	Client      ClientKey        `json:"client"`
	RefCount    int              `json:"refCount"`
	Allocations []pnm.Allocation `json:"allocations,omitempty"`
	Units       pnm.UnitMask     `json:"units"`
	Opened      time.Time        `json:"opened"`
}

func newSession(id pnm.SessionID, client ClientKey) *session {
	return &session{
		id:     id,
		client: client,
		refs:   1,
		allocs: make(map[pnm.AllocKey]pnm.Allocation),
		opened: time.Now(),
	}
}

func (s *session) isEmpty() bool {
	return len(s.allocs) == 0 && s.units == 0
}

// allocations returns the allocations of the session in pool and address order.
func (s *session) allocations() []pnm.Allocation {
	result := make([]pnm.Allocation, 0, len(s.allocs))
	for _, a := range s.allocs {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Pool != result[j].Pool {
			return result[i].Pool < result[j].Pool
		}
		return result[i].Addr < result[j].Addr
	})
	return result
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		Client:      s.client,
		RefCount:    s.refs,
		Allocations: s.allocations(),
		Units:       s.units,
		Opened:      s.opened,
	}
}

// Handle is a reference to a session obtained by Register. Each handle
// holds one reference which is dropped exactly once by Close.
type Handle struct {
	m       *Manager
	id      pnm.SessionID
	once    sync.Once
	outcome CloseOutcome
	err     error
}

// ID returns the ID of the session the handle refers to.
func (h *Handle) ID() pnm.SessionID {
	return h.id
}

// Close drops the reference held by the handle. Once the last reference
// to a session is gone its remaining resources are reclaimed or the
// session is parked on the leaked list, depending on the cleanup policy.
// Closing a handle more than once returns the outcome of the first Close.
func (h *Handle) Close() (CloseOutcome, error) {
	h.once.Do(func() {
		h.outcome, h.err = h.m.close(h.id)
	})
	return h.outcome, h.err
}

// CloseOutcome describes what happened to a session when a handle was closed.
type CloseOutcome int

const (
	// Retained means other handles still refer to the session.
	Retained CloseOutcome = iota
	// Destroyed means the session held no resources and is gone.
	Destroyed
	// Reclaimed means the resources of the session were released.
	Reclaimed
	// Leaked means the session was parked on the leaked list.
	Leaked
)

func (o CloseOutcome) String() string {
	switch o {
	case Retained:
		return "retained"
	case Destroyed:
		return "destroyed"
	case Reclaimed:
		return "reclaimed"
	case Leaked:
		return "leaked"
	}
	return "unknown"
}
