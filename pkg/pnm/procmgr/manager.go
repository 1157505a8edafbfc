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
	"fmt"
	"sort"
	"sync"

	"github.com/eapache/queue"

	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/pnm"
)

var (
	log = logger.Get("pnm-procmgr")
)

// Reclaimer releases resources left behind by closed sessions. The
// manager calls it without holding any of its own locks. A reclaimer
// which serializes with Reset should check Reclaiming before releasing
// anything, since a reset may overtake a reclamation in progress.
type Reclaimer interface {
	// ReclaimAllocation frees an allocation of a closed session.
	ReclaimAllocation(owner pnm.SessionID, a pnm.Allocation) error
	// ReclaimUnit releases a unit held by a closed session.
	ReclaimUnit(owner pnm.SessionID, unit pnm.UnitID) error
}

// Manager tracks client sessions and the resources they own, and decides
// what happens to the resources of sessions that close without releasing
// them.
type Manager struct {
	mu        sync.Mutex
	reclaimer Reclaimer
	sessions  map[pnm.SessionID]*session
	clients   map[ClientKey]pnm.SessionID
	lastID    pnm.SessionID
	leaked    *queue.Queue
	// sessions closed but not yet fully reclaimed
	reclaiming map[pnm.SessionID]struct{}
	cleanup    bool
	policy     ReclaimPolicy
	stats      Stats
}

// Stats are cumulative counters of session lifecycle events.
type Stats struct {
	Opened          uint64 `json:"opened"`
	Destroyed       uint64 `json:"destroyed"`
	Reclaimed       uint64 `json:"reclaimed"`
	Leaked          uint64 `json:"leaked"`
	ReclaimFailures uint64 `json:"reclaimFailures"`
}

// Option is an opaque option for a Manager.
type Option func(*Manager) error

// WithCleanup sets the initial state of the cleanup policy.
func WithCleanup(enabled bool) Option {
	return func(m *Manager) error {
		m.cleanup = enabled
		return nil
	}
}

// WithReclaimPolicy sets the policy for sessions that fail to be reclaimed.
func WithReclaimPolicy(p ReclaimPolicy) Option {
	return func(m *Manager) error {
		if !p.IsValid() {
			return fmt.Errorf("invalid reclaim policy %d", p)
		}
		m.policy = p
		return nil
	}
}

// NewManager creates a session manager which uses r to release resources.
func NewManager(r Reclaimer, options ...Option) (*Manager, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil reclaimer", pnm.ErrFailedOption)
	}

	m := &Manager{
		reclaimer:  r,
		sessions:   make(map[pnm.SessionID]*session),
		clients:    make(map[ClientKey]pnm.SessionID),
		leaked:     queue.New(),
		reclaiming: make(map[pnm.SessionID]struct{}),
		policy:     DropOnFailure,
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("%w: %w", pnm.ErrFailedOption, err)
		}
	}

	return m, nil
}

// Register returns a handle to the session of client, creating the
// session if the client has none yet.
func (m *Manager) Register(client ClientKey) (*Handle, error) {
	if client == "" {
		return nil, fmt.Errorf("%w: empty client key", pnm.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.clients[client]; ok {
		s := m.sessions[id]
		s.refs++
		log.Debug("%s of client %s reopened (%d references)", id, client, s.refs)
		return &Handle{m: m, id: id}, nil
	}

	m.lastID++
	s := newSession(m.lastID, client)
	m.sessions[s.id] = s
	m.clients[client] = s.id
	m.stats.Opened++

	log.Debug("%s opened for client %s", s.id, client)

	return &Handle{m: m, id: s.id}, nil
}

func (m *Manager) close(id pnm.SessionID) (CloseOutcome, error) {
	m.mu.Lock()

	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Destroyed, fmt.Errorf("%w: %s", pnm.ErrNotFound, id)
	}

	if s.refs--; s.refs > 0 {
		m.mu.Unlock()
		return Retained, nil
	}

	delete(m.sessions, id)
	delete(m.clients, s.client)

	switch {
	case s.isEmpty():
		m.stats.Destroyed++
		m.mu.Unlock()
		log.Debug("%s closed", id)
		return Destroyed, nil

	case !m.cleanup:
		m.park(s)
		m.mu.Unlock()
		return Leaked, nil
	}

	m.reclaiming[id] = struct{}{}
	m.mu.Unlock()

	log.Info("%s closed with %d allocations and units %s, reclaiming...",
		id, len(s.allocs), s.units)

	if parked, err := m.reclaimOrPark(s, false); err != nil {
		log.Error("failed to reclaim resources of %s: %v", id, err)
		if parked {
			return Leaked, nil
		}
	}

	return Reclaimed, nil
}

// RecordAllocation adds an allocation to a session.
func (m *Manager) RecordAllocation(id pnm.SessionID, a pnm.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(id)
	if err != nil {
		return err
	}

	if prev, ok := s.allocs[a.Key()]; ok {
		return fmt.Errorf("%w: %s already owns %s", pnm.ErrInvalidArgument, id, prev)
	}

	s.allocs[a.Key()] = a
	return nil
}

// ForgetAllocation removes an allocation from a session and returns it.
func (m *Manager) ForgetAllocation(id pnm.SessionID, key pnm.AllocKey) (pnm.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(id)
	if err != nil {
		return pnm.Allocation{}, err
	}

	a, ok := s.allocs[key]
	if !ok {
		return pnm.Allocation{}, fmt.Errorf("%w: %s owns no allocation at %s", pnm.ErrNotFound, id, key)
	}

	delete(s.allocs, key)
	return a, nil
}

// LookupAllocation returns the allocation of a session at key.
func (m *Manager) LookupAllocation(id pnm.SessionID, key pnm.AllocKey) (pnm.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(id)
	if err != nil {
		return pnm.Allocation{}, err
	}

	a, ok := s.allocs[key]
	if !ok {
		return pnm.Allocation{}, fmt.Errorf("%w: %s owns no allocation at %s", pnm.ErrNotFound, id, key)
	}

	return a, nil
}

// MarkGlobal marks an allocation of a session shared.
func (m *Manager) MarkGlobal(id pnm.SessionID, key pnm.AllocKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(id)
	if err != nil {
		return err
	}

	a, ok := s.allocs[key]
	if !ok {
		return fmt.Errorf("%w: %s owns no allocation at %s", pnm.ErrNotFound, id, key)
	}

	a.Global = true
	s.allocs[key] = a
	return nil
}

// RecordUnit marks a unit held by a session.
func (m *Manager) RecordUnit(id pnm.SessionID, unit pnm.UnitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(id)
	if err != nil {
		return err
	}

	if s.units.Contains(unit) {
		return fmt.Errorf("%w: %s already holds unit #%d", pnm.ErrInvalidArgument, id, unit)
	}

	s.units = s.units.Set(unit)
	return nil
}

// ForgetUnit marks a unit no longer held by a session.
func (m *Manager) ForgetUnit(id pnm.SessionID, unit pnm.UnitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(id)
	if err != nil {
		return err
	}

	if !s.units.Contains(unit) {
		return fmt.Errorf("%w: %s does not hold unit #%d", pnm.ErrNotFound, id, unit)
	}

	s.units = s.units.Clear(unit)
	return nil
}

// HoldsUnit returns true if the session holds the given unit.
func (m *Manager) HoldsUnit(id pnm.SessionID, unit pnm.UnitID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(id)
	return err == nil && s.units.Contains(unit)
}

// Session returns a snapshot of a live session.
func (m *Manager) Session(id pnm.SessionID) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

// Sessions returns a snapshot of all live sessions, ordered by ID.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HasLiveResources returns true if any live session holds resources,
// or if the resources of a closed session are being reclaimed.
func (m *Manager) HasLiveResources() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.reclaiming) > 0 {
		return true
	}
	for _, s := range m.sessions {
		if !s.isEmpty() {
			return true
		}
	}
	return false
}

// Stats returns the cumulative session counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Reset forgets the resources of all sessions and drops all leaked ones.
// Reclamations still in progress are invalidated, see Reclaiming. Reset
// is meant to accompany a reset of the allocator and the scheduler.
func (m *Manager) Reset() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := m.leaked.Length() + len(m.reclaiming)
	m.leaked = queue.New()
	clear(m.reclaiming)

	for _, s := range m.sessions {
		clear(s.allocs)
		s.units = 0
	}

	log.Info("session manager reset, dropped %d leaked sessions", dropped)

	return dropped
}

// Reclaiming returns true if the resources of the closed session are
// being reclaimed and no Reset has invalidated them since.
func (m *Manager) Reclaiming(id pnm.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reclaiming[id]
	return ok
}

func (m *Manager) session(id pnm.SessionID) (*session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s", pnm.ErrNotFound, id)
	}
	return s, nil
}
