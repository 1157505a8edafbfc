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

	"github.com/containers/pnm-resmgr/pkg/healthz"
	"github.com/containers/pnm-resmgr/pkg/pnm/alloc"
	"github.com/containers/pnm-resmgr/pkg/pnm/device"
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
	"github.com/containers/pnm-resmgr/pkg/pnm/sched"
	"github.com/containers/pnm-resmgr/pkg/pnm/shared"
)

// Status is a snapshot of the device state.
type Status struct {
	Class          device.Class     `json:"class"`
	MemorySize     uint64           `json:"memSize"`
	FreeSize       uint64           `json:"freeSize"`
	Granularity    uint64           `json:"granularity"`
	Alignment      uint64           `json:"alignment"`
	ForceAligned   bool             `json:"forceAligned"`
	FitPolicy      string           `json:"fitPolicy"`
	Pools          []alloc.PoolInfo `json:"pools"`
	Units          []sched.UnitInfo `json:"units"`
	AcquireTimeout time.Duration    `json:"acquireTimeout"`
	Waiters        int              `json:"waiters"`
	Sessions       int              `json:"sessions"`
	Leaked         int              `json:"leaked"`
	Cleanup        bool             `json:"cleanup"`
	ReclaimPolicy  string           `json:"reclaimPolicy"`
	Shared         []shared.Entry   `json:"shared,omitempty"`
	Stats          procmgr.Stats    `json:"stats"`
	Uptime         time.Duration    `json:"uptime"`
}

// Snapshot returns the current state of the device.
func (m *ResourceManager) Snapshot() Status {
	m.mem.Lock()
	st := Status{
		Class:        m.profile.Class,
		MemorySize:   m.alloc.TotalSize(),
		FreeSize:     m.alloc.FreeSize(),
		Granularity:  m.alloc.Granularity(),
		Alignment:    m.alloc.Alignment(),
		ForceAligned: m.alloc.ForceAligned(),
		FitPolicy:    m.alloc.FitPolicy().String(),
		Pools:        m.alloc.Pools(),
		Shared:       m.shared.Entries(),
	}
	m.mem.Unlock()

	st.Units = m.sched.Units()
	st.AcquireTimeout = m.sched.Timeout()
	st.Waiters = m.sched.Waiters()
	st.Sessions = m.procs.Len()
	st.Leaked = m.procs.LeakedCount()
	st.Cleanup = m.procs.CleanupEnabled()
	st.ReclaimPolicy = m.procs.ReclaimPolicy().String()
	st.Stats = m.procs.Stats()
	st.Uptime = time.Since(m.started)

	return st
}

// Pools returns a snapshot of the memory pools.
func (m *ResourceManager) Pools() []alloc.PoolInfo {
	m.mem.Lock()
	defer m.mem.Unlock()
	return m.alloc.Pools()
}

// Units returns a snapshot of the execution units.
func (m *ResourceManager) Units() []sched.UnitInfo {
	return m.sched.Units()
}

// Sessions returns a snapshot of the open sessions.
func (m *ResourceManager) Sessions() []procmgr.SessionInfo {
	return m.procs.Sessions()
}

// LeakedSessions returns a snapshot of the sessions tracked as leaked.
func (m *ResourceManager) LeakedSessions() []procmgr.SessionInfo {
	return m.procs.LeakedSessions()
}

// SharedAllocations returns a snapshot of the shared allocations.
func (m *ResourceManager) SharedAllocations() []shared.Entry {
	m.mem.Lock()
	defer m.mem.Unlock()
	return m.shared.Entries()
}

// HealthCheck reports the device state as degraded while leaked sessions
// wait for cleanup, and as non-functional if the state is inconsistent.
func (m *ResourceManager) HealthCheck() (healthz.Status, error) {
	if err := m.ValidateState("health check"); err != nil {
		return healthz.NonFunctional, err
	}

	if leaked := m.procs.LeakedCount(); leaked > 0 && !m.procs.CleanupEnabled() {
		return healthz.Degraded, fmt.Errorf("%d leaked sessions pending cleanup", leaked)
	}

	return healthz.Healthy, nil
}
