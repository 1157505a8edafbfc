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

package resmgr

import (
	"fmt"
	"time"

	"github.com/containers/pnm-resmgr/pkg/pnm"
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
)

// EnableCleanup turns on reclamation of abandoned sessions and reclaims
// all sessions currently tracked as leaked.
func (m *ResourceManager) EnableCleanup() error {
	leaked := m.procs.LeakedCount()
	if err := m.procs.EnableCleanup(); err != nil {
		log.Error("failed to reclaim some leaked resources: %v", err)
		return err
	}
	if leaked > 0 {
		log.Info("reclaimed %d leaked sessions", leaked)
	}
	return nil
}

// DisableCleanup makes abandoned sessions accumulate as leaked.
func (m *ResourceManager) DisableCleanup() {
	m.procs.DisableCleanup()
}

// CleanupEnabled returns true if abandoned sessions are reclaimed right away.
func (m *ResourceManager) CleanupEnabled() bool {
	return m.procs.CleanupEnabled()
}

// SetReclaimPolicy sets the policy for resources which fail to be reclaimed.
func (m *ResourceManager) SetReclaimPolicy(p procmgr.ReclaimPolicy) error {
	return m.procs.SetReclaimPolicy(p)
}

// LeakedCount returns the number of sessions tracked as leaked.
func (m *ResourceManager) LeakedCount() int {
	return m.procs.LeakedCount()
}

// SetAcquireTimeout sets the default execution unit acquisition timeout.
func (m *ResourceManager) SetAcquireTimeout(timeout time.Duration) {
	m.sched.SetTimeout(timeout)
}

// AcquireTimeout returns the default execution unit acquisition timeout.
func (m *ResourceManager) AcquireTimeout() time.Duration {
	return m.sched.Timeout()
}

// SetForceAligned turns force-aligned allocation on or off.
func (m *ResourceManager) SetForceAligned(enable bool) {
	m.mem.Lock()
	defer m.mem.Unlock()
	m.alloc.SetForceAligned(enable)
}

// Reset returns the device to its initial state, forgetting all
// allocations, shared allocations, unit holders and leaked sessions.
// Unless forced, Reset fails with pnm.ErrInUse while any live session
// holds resources.
func (m *ResourceManager) Reset(force bool) error {
	m.mem.Lock()
	defer m.mem.Unlock()

	if !force && m.procs.HasLiveResources() {
		return fmt.Errorf("%w: live sessions hold device resources", pnm.ErrInUse)
	}

	dropped := m.procs.Reset()
	m.shared.Reset()
	m.alloc.Reset()
	m.sched.Reset()

	log.Warn("device reset (forced: %v), dropped %d leaked sessions", force, dropped)

	return nil
}

// ValidateState checks the internal consistency of the device state.
func (m *ResourceManager) ValidateState(where string) error {
	m.mem.Lock()
	defer m.mem.Unlock()

	if err := m.alloc.ValidateState(where); err != nil {
		return err
	}

	for _, e := range m.shared.Entries() {
		a, ok := m.alloc.Lookup(e.Key.Pool, e.Key.Addr)
		if err := pnm.Assert(ok && a.Size == e.Key.Size,
			"%s: shared %s is not live in allocator", where, e.Key); err != nil {
			return err
		}
	}

	return nil
}
