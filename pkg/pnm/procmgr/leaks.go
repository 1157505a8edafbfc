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

	"github.com/hashicorp/go-multierror"

	"github.com/containers/pnm-resmgr/pkg/pnm"
)

// ReclaimPolicy decides what happens to a session some of whose resources
// could not be reclaimed.
type ReclaimPolicy int

const (
	// DropOnFailure forgets the session after a single reclamation attempt,
	// reporting the failure. Resources which failed to be reclaimed are lost.
	DropOnFailure ReclaimPolicy = iota
	// RetainOnFailure keeps the session, with only the resources that failed
	// to be reclaimed, on the leaked list for another attempt.
	RetainOnFailure
)

// IsValid returns true if the policy is a known one.
func (p ReclaimPolicy) IsValid() bool {
	return p == DropOnFailure || p == RetainOnFailure
}

func (p ReclaimPolicy) String() string {
	switch p {
	case DropOnFailure:
		return "drop"
	case RetainOnFailure:
		return "retain"
	}
	return fmt.Sprintf("reclaim-policy#%d", int(p))
}

// ParseReclaimPolicy parses the name of a reclaim policy.
func ParseReclaimPolicy(name string) (ReclaimPolicy, error) {
	switch name {
	case "", "drop":
		return DropOnFailure, nil
	case "retain", "retry":
		return RetainOnFailure, nil
	}
	return DropOnFailure, fmt.Errorf("%w: unknown reclaim policy %q", pnm.ErrInvalidArgument, name)
}

// EnableCleanup turns on immediate reclamation for closing sessions and
// reclaims the resources of all sessions on the leaked list. Failures are
// collected into a single error.
func (m *Manager) EnableCleanup() error {
	m.mu.Lock()
	m.cleanup = true
	pending := make([]*session, 0, m.leaked.Length())
	for m.leaked.Length() > 0 {
		s := m.leaked.Remove().(*session)
		m.reclaiming[s.id] = struct{}{}
		pending = append(pending, s)
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	log.Info("cleanup enabled, reclaiming %d leaked sessions...", len(pending))

	var errs *multierror.Error
	for _, s := range pending {
		if _, err := m.reclaimOrPark(s, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.id, err))
		}
	}

	return errs.ErrorOrNil()
}

// DisableCleanup makes sessions that close with resources accumulate on
// the leaked list.
func (m *Manager) DisableCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cleanup {
		log.Info("cleanup disabled, abandoned sessions will be tracked as leaked")
	}
	m.cleanup = false
}

// CleanupEnabled returns true if closing sessions are reclaimed immediately.
func (m *Manager) CleanupEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanup
}

// SetReclaimPolicy sets the policy for sessions that fail to be reclaimed.
func (m *Manager) SetReclaimPolicy(p ReclaimPolicy) error {
	if !p.IsValid() {
		return fmt.Errorf("%w: invalid reclaim policy %d", pnm.ErrInvalidArgument, p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p

	return nil
}

// ReclaimPolicy returns the current reclaim policy.
func (m *Manager) ReclaimPolicy() ReclaimPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// LeakedCount returns the number of sessions on the leaked list.
func (m *Manager) LeakedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaked.Length()
}

// LeakedSessions returns a snapshot of the sessions on the leaked list,
// oldest first.
func (m *Manager) LeakedSessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, m.leaked.Length())
	for i := 0; i < m.leaked.Length(); i++ {
		infos = append(infos, m.leaked.Get(i).(*session).info())
	}
	return infos
}

// park puts a closed session on the leaked list.
func (m *Manager) park(s *session) {
	m.leaked.Add(s)
	m.stats.Leaked++
	log.Warn("%s of client %s leaked %d allocations and units %s",
		s.id, s.client, len(s.allocs), s.units)
}

// reclaimOrPark reclaims the resources of a closed session. Depending on
// the reclaim policy the resources which could not be reclaimed are either
// dropped or parked on the leaked list, in which case parked is true.
func (m *Manager) reclaimOrPark(s *session, requeue bool) (parked bool, err error) {
	residue, err := m.reclaim(s)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reclaiming[s.id]; !ok {
		log.Warn("reclamation of %s was overtaken by a reset", s.id)
		return false, nil
	}
	delete(m.reclaiming, s.id)

	if err == nil {
		m.stats.Reclaimed++
		return false, nil
	}

	m.stats.ReclaimFailures++

	if residue != nil && m.policy == RetainOnFailure {
		if requeue {
			m.leaked.Add(residue)
		} else {
			m.park(residue)
		}
		log.Warn("%s kept on leaked list for another reclamation attempt", s.id)
		return true, err
	}

	log.Warn("%s dropped after failed reclamation", s.id)
	return false, err
}

// reclaim releases all resources of a session through the reclaimer. It
// returns a session with the resources that failed to be reclaimed, if any.
func (m *Manager) reclaim(s *session) (*session, error) {
	var (
		errs    *multierror.Error
		residue *session
		keep    = func() *session {
			if residue == nil {
				residue = newSession(s.id, s.client)
				residue.refs = 0
				residue.opened = s.opened
			}
			return residue
		}
	)

	for _, a := range s.allocations() {
		if err := m.reclaimer.ReclaimAllocation(s.id, a); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("allocation %s: %w", a, err))
			keep().allocs[a.Key()] = a
		}
	}

	s.units.Foreach(func(u pnm.UnitID) bool {
		if err := m.reclaimer.ReclaimUnit(s.id, u); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("unit #%d: %w", u, err))
			r := keep()
			r.units = r.units.Set(u)
		}
		return pnm.ForeachMore
	})

	return residue, errs.ErrorOrNil()
}
