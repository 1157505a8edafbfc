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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containers/pnm-resmgr/pkg/healthz"
	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/pnm"
	"github.com/containers/pnm-resmgr/pkg/pnm/alloc"
	"github.com/containers/pnm-resmgr/pkg/pnm/device"
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
	"github.com/containers/pnm-resmgr/pkg/pnm/sched"
	"github.com/containers/pnm-resmgr/pkg/pnm/shared"
)

// ResourceManager arbitrates the memory pools and execution units of a
// single device among client sessions.
type ResourceManager struct {
	// mem serializes the allocator, the shared registry and the
	// allocation bookkeeping of sessions. It nests outside procs.
	mem     sync.Mutex
	profile device.Profile
	alloc   *alloc.Allocator
	shared  *shared.Registry
	sched   *sched.Scheduler
	procs   *procmgr.Manager
	started time.Time
}

// Option is an opaque option for a ResourceManager.
type Option func(*options) error

type options struct {
	procmgr []procmgr.Option
	health  *healthz.Checker
}

// WithCleanup sets the initial state of session cleanup.
func WithCleanup(enabled bool) Option {
	return func(o *options) error {
		o.procmgr = append(o.procmgr, procmgr.WithCleanup(enabled))
		return nil
	}
}

// WithReclaimPolicy sets the policy for resources which fail to be reclaimed.
func WithReclaimPolicy(p procmgr.ReclaimPolicy) Option {
	return func(o *options) error {
		if !p.IsValid() {
			return fmt.Errorf("invalid reclaim policy %d", p)
		}
		o.procmgr = append(o.procmgr, procmgr.WithReclaimPolicy(p))
		return nil
	}
}

// WithHealthChecker registers the resource manager with a health checker.
func WithHealthChecker(c *healthz.Checker) Option {
	return func(o *options) error {
		o.health = c
		return nil
	}
}

const (
	// HealthCheckName is the name of our health check.
	HealthCheckName = "pnm-resources"
)

var (
	log = logger.Get("resource-manager")
)

// New creates a resource manager for a device with the given profile.
func New(profile device.Profile, opts ...Option) (*ResourceManager, error) {
	if err := profile.Validate(); err != nil {
		return nil, resmgrError("invalid device profile: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, resmgrError("%w: %w", pnm.ErrFailedOption, err)
		}
	}

	m := &ResourceManager{
		profile: profile,
		started: time.Now(),
	}

	var err error

	if m.alloc, err = alloc.NewAllocator(profile.AllocatorOptions()...); err != nil {
		return nil, resmgrError("failed to create allocator: %w", err)
	}
	if m.sched, err = sched.New(profile.Units, profile.SchedulerOptions()...); err != nil {
		return nil, resmgrError("failed to create scheduler: %w", err)
	}
	m.shared = shared.NewRegistry(m.alloc)
	if m.procs, err = procmgr.NewManager(m, o.procmgr...); err != nil {
		return nil, resmgrError("failed to create session manager: %w", err)
	}

	if o.health != nil {
		if err := o.health.Register(HealthCheckName, m.HealthCheck); err != nil {
			return nil, resmgrError("failed to register health check: %w", err)
		}
	}

	log.Info("created resource manager for %s device", &m.profile)
	m.alloc.DumpConfig("  ")

	return m, nil
}

// Profile returns the profile of the managed device.
func (m *ResourceManager) Profile() device.Profile {
	return m.profile
}

// Open opens a session for a client, or returns a new handle to the
// already open session of the client.
func (m *ResourceManager) Open(client procmgr.ClientKey) (*procmgr.Handle, error) {
	return m.procs.Register(client)
}

// Close drops the reference to a session held by the handle.
func (m *ResourceManager) Close(h *procmgr.Handle) (procmgr.CloseOutcome, error) {
	return h.Close()
}

// Nop checks that the session is alive.
func (m *ResourceManager) Nop(sid pnm.SessionID) error {
	_, err := m.procs.Session(sid)
	return err
}

// Allocate allocates device memory from a pool, or from the most free
// pool for pnm.AnyPool, and records it in the session.
func (m *ResourceManager) Allocate(sid pnm.SessionID, pool pnm.PoolID, size uint64) (pnm.Allocation, error) {
	m.mem.Lock()
	defer m.mem.Unlock()

	a, err := m.alloc.Allocate(pool, size)
	if err != nil {
		log.Debug("%s: failed to allocate %s from %s: %v", sid, pnm.PrettySize(size), pool, err)
		return pnm.Allocation{}, err
	}

	if err := m.procs.RecordAllocation(sid, a); err != nil {
		if ferr := m.alloc.Free(a.Pool, a.Addr, a.Size); ferr != nil {
			_ = pnm.Assert(false, "failed to roll back allocation %s: %v", a, ferr)
		}
		return pnm.Allocation{}, err
	}

	log.Debug("%s: allocated %s", sid, a)

	return a, nil
}

// Deallocate returns an allocation of the session. A shared allocation
// is released and freed only with its last reference.
func (m *ResourceManager) Deallocate(sid pnm.SessionID, pool pnm.PoolID, addr, size uint64) error {
	m.mem.Lock()
	defer m.mem.Unlock()

	a, err := m.owned(sid, pool, addr, size, pnm.ErrInvalidArgument)
	if err != nil {
		return err
	}

	if _, err := m.procs.ForgetAllocation(sid, a.Key()); err != nil {
		return err
	}

	if a.Global {
		if !m.shared.IsShared(a) {
			return pnm.Assert(false, "%s: shared %s missing from registry", sid, a)
		}
		last, err := m.shared.ReleaseShared(shared.KeyFor(a))
		if err != nil {
			return err
		}
		log.Debug("%s: released shared %s (last reference: %v)", sid, a, last)
		return nil
	}

	if err := m.alloc.Free(a.Pool, a.Addr, a.Size); err != nil {
		return pnm.Assert(false, "%s: recorded %s not live in allocator: %v", sid, a, err)
	}

	log.Debug("%s: freed %s", sid, a)

	return nil
}

// MakeShared registers an allocation of the session for sharing with
// other sessions.
func (m *ResourceManager) MakeShared(sid pnm.SessionID, pool pnm.PoolID, addr, size uint64) (shared.Key, error) {
	m.mem.Lock()
	defer m.mem.Unlock()

	a, err := m.owned(sid, pool, addr, size, pnm.ErrNotFound)
	if err != nil {
		return shared.Key{}, err
	}

	key, err := m.shared.MakeShared(a)
	if err != nil {
		return shared.Key{}, err
	}

	if err := m.procs.MarkGlobal(sid, a.Key()); err != nil {
		if _, rerr := m.shared.ReleaseShared(key); rerr != nil {
			_ = pnm.Assert(false, "failed to roll back sharing of %s: %v", a, rerr)
		}
		return shared.Key{}, err
	}

	log.Debug("%s: shared %s as %s", sid, a, key)

	return key, nil
}

// GetShared takes a reference to a shared allocation and records it
// in the session.
func (m *ResourceManager) GetShared(sid pnm.SessionID, key shared.Key) (pnm.Allocation, error) {
	m.mem.Lock()
	defer m.mem.Unlock()

	if _, ok := m.shared.Lookup(key); !ok {
		return pnm.Allocation{}, fmt.Errorf("%w: no shared allocation %s", pnm.ErrNotFound, key)
	}

	if _, err := m.procs.LookupAllocation(sid, pnm.AllocKey{Pool: key.Pool, Addr: key.Addr}); err == nil {
		return pnm.Allocation{}, fmt.Errorf("%w: %s already owns shared allocation %s",
			pnm.ErrInvalidArgument, sid, key)
	}

	a, err := m.shared.GetShared(key)
	if err != nil {
		return pnm.Allocation{}, err
	}

	if err := m.procs.RecordAllocation(sid, a); err != nil {
		if _, rerr := m.shared.ReleaseShared(key); rerr != nil {
			_ = pnm.Assert(false, "failed to roll back reference to %s: %v", key, rerr)
		}
		return pnm.Allocation{}, err
	}

	log.Debug("%s: got shared %s", sid, a)

	return a, nil
}

// AcquireUnit acquires an execution unit for the session using the
// current acquisition timeout.
func (m *ResourceManager) AcquireUnit(ctx context.Context, sid pnm.SessionID, mask pnm.UnitMask) (pnm.UnitID, error) {
	return m.AcquireUnitTimeout(ctx, sid, mask, m.sched.Timeout())
}

// AcquireUnitTimeout acquires an execution unit for the session, waiting
// at most timeout for one to become free.
func (m *ResourceManager) AcquireUnitTimeout(ctx context.Context, sid pnm.SessionID, mask pnm.UnitMask, timeout time.Duration) (pnm.UnitID, error) {
	if _, err := m.procs.Session(sid); err != nil {
		return -1, err
	}

	id, err := m.sched.Acquire(ctx, sid, m.profile.EligibleUnits(mask), timeout)
	if err != nil {
		return -1, err
	}

	if err := m.procs.RecordUnit(sid, id); err != nil {
		if rerr := m.sched.Release(sid, id); rerr != nil {
			_ = pnm.Assert(false, "failed to roll back acquisition of unit #%d: %v", id, rerr)
		}
		return -1, err
	}

	log.Debug("%s: acquired unit #%d", sid, id)

	return id, nil
}

// ReleaseUnit releases an execution unit held by the session.
func (m *ResourceManager) ReleaseUnit(sid pnm.SessionID, id pnm.UnitID) error {
	if err := m.sched.Release(sid, id); err != nil {
		return err
	}

	if err := m.procs.ForgetUnit(sid, id); err != nil {
		return pnm.Assert(false, "%s: released unit #%d not recorded: %v", sid, id, err)
	}

	log.Debug("%s: released unit #%d", sid, id)

	return nil
}

// ReclaimAllocation returns an allocation of an abandoned session. The
// allocation is left alone if a reset has forgotten it in the meantime.
func (m *ResourceManager) ReclaimAllocation(owner pnm.SessionID, a pnm.Allocation) error {
	m.mem.Lock()
	defer m.mem.Unlock()

	if !m.procs.Reclaiming(owner) {
		log.Warn("%s: skipping reclamation of %s forgotten by reset", owner, a)
		return nil
	}

	if a.Global {
		last, err := m.shared.ReleaseShared(shared.KeyFor(a))
		if err == nil {
			log.Debug("%s: reclaimed shared %s (last reference: %v)", owner, a, last)
		}
		return err
	}

	return m.alloc.Free(a.Pool, a.Addr, a.Size)
}

// ReclaimUnit force-releases an execution unit of an abandoned session.
func (m *ResourceManager) ReclaimUnit(owner pnm.SessionID, id pnm.UnitID) error {
	m.mem.Lock()
	defer m.mem.Unlock()

	if !m.procs.Reclaiming(owner) {
		log.Warn("%s: skipping reclamation of unit #%d forgotten by reset", owner, id)
		return nil
	}

	u, err := m.sched.Unit(id)
	if err != nil {
		return err
	}
	if err := pnm.Assert(u.Busy && u.Holder == owner,
		"%s: reclaimed unit #%d is held by %s", owner, id, u.Holder); err != nil {
		return err
	}

	return m.sched.ForceRelease(id)
}

// owned looks up the allocation of the session matching the given range.
// A range the session does not own is reported as missing.
func (m *ResourceManager) owned(sid pnm.SessionID, pool pnm.PoolID, addr, size uint64, missing error) (pnm.Allocation, error) {
	a, err := m.procs.LookupAllocation(sid, pnm.AllocKey{Pool: pool, Addr: addr})
	if err != nil {
		return pnm.Allocation{}, fmt.Errorf("%w: %s@0x%x is not allocated by %s",
			missing, pool, addr, sid)
	}

	if size != a.Size {
		if n, err := m.alloc.NormalizeSize(size); err != nil || n != a.Size {
			return pnm.Allocation{}, fmt.Errorf("%w: size %d does not match %s",
				pnm.ErrInvalidArgument, size, a)
		}
	}

	return a, nil
}

// resmgrError returns a formatted error specific to the resource manager.
func resmgrError(format string, args ...interface{}) error {
	return fmt.Errorf("resource-manager: "+format, args...)
}
