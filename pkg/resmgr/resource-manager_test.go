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

package resmgr_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/pnm-resmgr/pkg/healthz"
	"github.com/containers/pnm-resmgr/pkg/pnm"
	"github.com/containers/pnm-resmgr/pkg/pnm/alloc"
	"github.com/containers/pnm-resmgr/pkg/pnm/device"
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
	"github.com/containers/pnm-resmgr/pkg/pnm/sched"
	"github.com/containers/pnm-resmgr/pkg/pnm/shared"
	. "github.com/containers/pnm-resmgr/pkg/resmgr"
)

// testProfile returns a small device of the given class with 64 byte
// granularity and pools of 1024 bytes.
func testProfile(t *testing.T, class device.Class, pools, units int) device.Profile {
	p, err := device.DefaultProfile(class)
	require.NoError(t, err)

	p.Granularity = 64
	p.Alignment = 64
	p.ForceAligned = false
	p.Units = units
	p.AcquireTimeout = sched.Forever
	p.Pools = make([]alloc.PoolConfig, pools)
	for i := range p.Pools {
		p.Pools[i] = alloc.PoolConfig{Size: 1024}
	}

	return p
}

func newTestManager(t *testing.T, p device.Profile, opts ...Option) *ResourceManager {
	m, err := New(p, opts...)
	require.NoError(t, err, "unexpected New() error")
	return m
}

func open(t *testing.T, m *ResourceManager, client string) *procmgr.Handle {
	h, err := m.Open(procmgr.ClientKey(client))
	require.NoError(t, err)
	return h
}

func closeHandle(t *testing.T, m *ResourceManager, h *procmgr.Handle) procmgr.CloseOutcome {
	outcome, err := m.Close(h)
	require.NoError(t, err)
	return outcome
}

func TestLeakConservation(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 4))
	require.False(t, m.CleanupEnabled())

	initial := m.Snapshot().FreeSize

	const N = 4
	var handles []*procmgr.Handle
	for i := 0; i < N; i++ {
		h := open(t, m, fmt.Sprintf("pid:%d", i))
		_, err := m.Allocate(h.ID(), 0, 128)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	allocated := m.Snapshot().FreeSize
	require.Equal(t, initial-N*128, allocated)

	for _, h := range handles {
		require.Equal(t, procmgr.Leaked, closeHandle(t, m, h))
	}

	require.Equal(t, N, m.LeakedCount())
	require.Equal(t, allocated, m.Snapshot().FreeSize)

	status, _ := m.HealthCheck()
	require.Equal(t, healthz.Degraded, status)

	require.NoError(t, m.EnableCleanup())
	require.Equal(t, 0, m.LeakedCount())
	require.Equal(t, initial, m.Snapshot().FreeSize)
	require.NoError(t, m.ValidateState("test"))

	status, err := m.HealthCheck()
	require.NoError(t, err)
	require.Equal(t, healthz.Healthy, status)
}

func TestSessionRefcounting(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 4), WithCleanup(true))

	h1 := open(t, m, "pid:1")
	h2 := open(t, m, "pid:1")
	require.Equal(t, h1.ID(), h2.ID())

	_, err := m.Allocate(h1.ID(), 0, 64)
	require.NoError(t, err)

	require.Equal(t, procmgr.Retained, closeHandle(t, m, h1))
	require.Equal(t, uint64(1024-64), m.Snapshot().FreeSize)

	require.Equal(t, procmgr.Reclaimed, closeHandle(t, m, h2))
	require.Equal(t, uint64(1024), m.Snapshot().FreeSize)
	require.Equal(t, 0, len(m.Sessions()))
}

func TestSharedRefcounting(t *testing.T) {
	for _, k := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 4))
			initial := m.Snapshot().FreeSize

			owner := open(t, m, "owner")
			a, err := m.Allocate(owner.ID(), 0, 256)
			require.NoError(t, err)

			key, err := m.MakeShared(owner.ID(), a.Pool, a.Addr, a.Size)
			require.NoError(t, err)
			_, err = m.MakeShared(owner.ID(), a.Pool, a.Addr, a.Size)
			require.True(t, errors.Is(err, pnm.ErrAlreadyShared))

			// the owner already holds the range
			_, err = m.GetShared(owner.ID(), key)
			require.True(t, errors.Is(err, pnm.ErrInvalidArgument))

			sids := []pnm.SessionID{owner.ID()}
			for i := 0; i < k; i++ {
				h := open(t, m, fmt.Sprintf("user:%d", i))
				got, err := m.GetShared(h.ID(), key)
				require.NoError(t, err)
				require.Equal(t, a.Addr, got.Addr)
				require.True(t, got.Global)
				sids = append(sids, h.ID())
			}

			entries := m.SharedAllocations()
			require.Len(t, entries, 1)
			require.Equal(t, k+1, entries[0].RefCount)

			for i, sid := range sids {
				require.Equal(t, initial-256, m.Snapshot().FreeSize, "freed too early")
				require.NoError(t, m.Deallocate(sid, a.Pool, a.Addr, a.Size), "release #%d", i)
			}

			require.Equal(t, initial, m.Snapshot().FreeSize)
			require.Empty(t, m.SharedAllocations())
			require.NoError(t, m.ValidateState("test"))

			// nobody owns it any more
			err = m.Deallocate(owner.ID(), a.Pool, a.Addr, a.Size)
			require.True(t, errors.Is(err, pnm.ErrInvalidArgument))
			_, err = m.GetShared(owner.ID(), key)
			require.True(t, errors.Is(err, pnm.ErrNotFound))
		})
	}
}

func TestSharedReclaimedOnClose(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 4), WithCleanup(true))

	owner := open(t, m, "owner")
	user := open(t, m, "user")

	a, err := m.Allocate(owner.ID(), 0, 128)
	require.NoError(t, err)
	key, err := m.MakeShared(owner.ID(), a.Pool, a.Addr, a.Size)
	require.NoError(t, err)
	_, err = m.GetShared(user.ID(), key)
	require.NoError(t, err)

	require.Equal(t, procmgr.Reclaimed, closeHandle(t, m, owner))
	require.Equal(t, uint64(1024-128), m.Snapshot().FreeSize)

	require.Equal(t, procmgr.Reclaimed, closeHandle(t, m, user))
	require.Equal(t, uint64(1024), m.Snapshot().FreeSize)
	require.NoError(t, m.ValidateState("test"))
}

func TestDeallocateErrors(t *testing.T) {
	prev := pnm.EnableAssertions(true)
	defer pnm.EnableAssertions(prev)

	m := newTestManager(t, testProfile(t, device.ClassSLS, 2, 4))

	h1 := open(t, m, "pid:1")
	h2 := open(t, m, "pid:2")

	a, err := m.Allocate(h1.ID(), pnm.AnyPool, 192)
	require.NoError(t, err)

	type testCase struct {
		name string
		sid  pnm.SessionID
		pool pnm.PoolID
		addr uint64
		size uint64
	}
	for _, tc := range []*testCase{
		{name: "foreign session", sid: h2.ID(), pool: a.Pool, addr: a.Addr, size: a.Size},
		{name: "partial range", sid: h1.ID(), pool: a.Pool, addr: a.Addr, size: 64},
		{name: "interior address", sid: h1.ID(), pool: a.Pool, addr: a.Addr + 64, size: 128},
		{name: "wrong pool", sid: h1.ID(), pool: a.Pool ^ 1, addr: a.Addr, size: a.Size},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Deallocate(tc.sid, tc.pool, tc.addr, tc.size)
			require.True(t, errors.Is(err, pnm.ErrInvalidArgument), "got error %v", err)
			require.False(t, errors.Is(err, pnm.ErrInternal), "got error %v", err)
		})
	}

	// rejected frees leave both the session and the allocator untouched
	require.Equal(t, uint64(2048-192), m.Snapshot().FreeSize)
	require.NoError(t, m.ValidateState("after rejected frees"))

	require.NoError(t, m.Deallocate(h1.ID(), a.Pool, a.Addr, a.Size))
	require.True(t, errors.Is(m.Deallocate(h1.ID(), a.Pool, a.Addr, a.Size), pnm.ErrInvalidArgument))
	require.Equal(t, uint64(2048), m.Snapshot().FreeSize)
}

func TestAllocateErrors(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 4))
	h := open(t, m, "pid:1")

	_, err := m.Allocate(h.ID(), 0, 0)
	require.True(t, errors.Is(err, pnm.ErrInvalidSize))
	_, err = m.Allocate(h.ID(), 0, 100)
	require.True(t, errors.Is(err, pnm.ErrInvalidSize))
	_, err = m.Allocate(h.ID(), 0, 2048)
	require.True(t, errors.Is(err, pnm.ErrOutOfMemory))
	_, err = m.Allocate(h.ID(), 7, 64)
	require.True(t, errors.Is(err, pnm.ErrInvalidArgument))

	// an allocation for an unknown session is rolled back
	_, err = m.Allocate(h.ID()+100, 0, 64)
	require.True(t, errors.Is(err, pnm.ErrNotFound))
	require.Equal(t, uint64(1024), m.Snapshot().FreeSize)
	require.NoError(t, m.ValidateState("test"))
}

func TestUnits(t *testing.T) {
	type testCase struct {
		name     string
		class    device.Class
		mask     pnm.UnitMask
		expected []pnm.UnitID
	}
	for _, tc := range []*testCase{
		{
			name:     "user mask honored",
			class:    device.ClassSLS,
			mask:     pnm.NewUnitMask(2, 3),
			expected: []pnm.UnitID{2, 3},
		},
		{
			name:     "user mask ignored",
			class:    device.ClassIMDB,
			mask:     pnm.NewUnitMask(2, 3),
			expected: []pnm.UnitID{0, 1},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, testProfile(t, tc.class, 1, 4))
			ctx := context.Background()

			h1 := open(t, m, "pid:1")
			h2 := open(t, m, "pid:2")

			u1, err := m.AcquireUnit(ctx, h1.ID(), tc.mask)
			require.NoError(t, err)
			u2, err := m.AcquireUnit(ctx, h2.ID(), tc.mask)
			require.NoError(t, err)
			require.Equal(t, tc.expected, []pnm.UnitID{u1, u2})

			if tc.class == device.ClassSLS {
				_, err = m.AcquireUnitTimeout(ctx, h1.ID(), pnm.NewUnitMask(u1, u2), sched.NoWait)
				require.True(t, errors.Is(err, pnm.ErrBusy))
			}

			require.True(t, errors.Is(m.ReleaseUnit(h2.ID(), u1), pnm.ErrInvalidArgument))
			require.NoError(t, m.ReleaseUnit(h1.ID(), u1))
			require.True(t, errors.Is(m.ReleaseUnit(h1.ID(), u1), pnm.ErrInvalidArgument))

			units := m.Units()
			require.False(t, units[u1].Busy)
			require.True(t, units[u2].Busy)
			require.Equal(t, h2.ID(), units[u2].Holder)
			require.Equal(t, uint64(1), units[u1].AcquisitionCount)
		})
	}
}

func TestUnitsReclaimedOnClose(t *testing.T) {
	prev := pnm.EnableAssertions(true)
	defer pnm.EnableAssertions(prev)

	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 2))
	ctx := context.Background()

	h := open(t, m, "pid:1")
	u, err := m.AcquireUnit(ctx, h.ID(), pnm.AllUnits(2))
	require.NoError(t, err)
	require.Equal(t, procmgr.Leaked, closeHandle(t, m, h))
	require.True(t, m.Units()[u].Busy)

	waiter := open(t, m, "pid:2")
	done := make(chan pnm.UnitID, 1)
	go func() {
		id, err := m.AcquireUnit(ctx, waiter.ID(), pnm.NewUnitMask(u))
		if err != nil {
			id = -1
		}
		done <- id
	}()

	select {
	case <-done:
		t.Fatalf("acquisition of a leaked unit should block")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, m.EnableCleanup())

	select {
	case id := <-done:
		require.Equal(t, u, id)
	case <-time.After(time.Second):
		t.Fatalf("reclaimed unit was not handed to the waiter")
	}

	unit := m.Units()[u]
	require.Equal(t, waiter.ID(), unit.Holder)
	require.Equal(t, uint64(2), unit.AcquisitionCount)
	require.Equal(t, 0, m.LeakedCount())
	require.Equal(t, uint64(0), m.Snapshot().Stats.ReclaimFailures)
}

func TestAcquireForUnknownSession(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 2))
	_, err := m.AcquireUnit(context.Background(), 42, pnm.AllUnits(2))
	require.True(t, errors.Is(err, pnm.ErrNotFound))
	require.True(t, errors.Is(m.Nop(42), pnm.ErrNotFound))
}

func TestAcquireTimeout(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 1))
	ctx := context.Background()

	h1 := open(t, m, "pid:1")
	h2 := open(t, m, "pid:2")
	_, err := m.AcquireUnit(ctx, h1.ID(), pnm.AllUnits(1))
	require.NoError(t, err)

	m.SetAcquireTimeout(10 * time.Millisecond)
	require.Equal(t, 10*time.Millisecond, m.AcquireTimeout())

	_, err = m.AcquireUnit(ctx, h2.ID(), pnm.AllUnits(1))
	require.True(t, errors.Is(err, pnm.ErrTimeout))

	info, err := sessionInfo(m, h2.ID())
	require.NoError(t, err)
	require.Equal(t, pnm.UnitMask(0), info.Units)
	require.Equal(t, 0, m.Snapshot().Waiters)
}

func sessionInfo(m *ResourceManager, id pnm.SessionID) (procmgr.SessionInfo, error) {
	for _, s := range m.Sessions() {
		if s.ID == id {
			return s, nil
		}
	}
	return procmgr.SessionInfo{}, pnm.ErrNotFound
}

func TestReset(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 2))
	ctx := context.Background()

	h := open(t, m, "pid:1")
	_, err := m.Allocate(h.ID(), 0, 256)
	require.NoError(t, err)
	_, err = m.AcquireUnit(ctx, h.ID(), pnm.AllUnits(2))
	require.NoError(t, err)

	require.True(t, errors.Is(m.Reset(false), pnm.ErrInUse))
	require.NoError(t, m.Reset(true))

	st := m.Snapshot()
	require.Equal(t, st.MemorySize, st.FreeSize)
	for _, u := range st.Units {
		require.False(t, u.Busy)
	}

	// the session survives a reset without its resources
	require.Equal(t, procmgr.Destroyed, closeHandle(t, m, h))
	require.NoError(t, m.Reset(false))
}

func TestReclamationAfterReset(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 2))
	ctx := context.Background()

	h := open(t, m, "pid:1")
	a, err := m.Allocate(h.ID(), 0, 128)
	require.NoError(t, err)
	u, err := m.AcquireUnit(ctx, h.ID(), pnm.AllUnits(2))
	require.NoError(t, err)

	require.NoError(t, m.Reset(true))

	peer := open(t, m, "pid:2")
	b, err := m.Allocate(peer.ID(), 0, 128)
	require.NoError(t, err)
	require.Equal(t, a.Addr, b.Addr, "reset memory should be handed out again")
	pu, err := m.AcquireUnit(ctx, peer.ID(), pnm.NewUnitMask(u))
	require.NoError(t, err)
	require.Equal(t, u, pu)

	// late reclamation on behalf of the first session must not touch
	// resources now owned by the peer
	require.NoError(t, m.ReclaimAllocation(h.ID(), a))
	require.NoError(t, m.ReclaimUnit(h.ID(), u))

	st := m.Snapshot()
	require.Equal(t, st.MemorySize-128, st.FreeSize)
	require.Equal(t, peer.ID(), m.Units()[u].Holder)
	require.NoError(t, m.ValidateState("after late reclamation"))

	require.NoError(t, m.Deallocate(peer.ID(), 0, b.Addr, b.Size))
	require.NoError(t, m.ReleaseUnit(peer.ID(), pu))
}

func TestConcurrentAllocations(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassIMDB, 4, 4), WithCleanup(true))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Open(procmgr.ClientKey(fmt.Sprintf("pid:%d", i)))
			if err != nil {
				return
			}
			defer m.Close(h)

			var live []pnm.Allocation
			for j := 0; j < 100; j++ {
				if a, err := m.Allocate(h.ID(), pnm.AnyPool, uint64(64*(1+j%3))); err == nil {
					live = append(live, a)
				}
				if len(live) > 2 {
					a := live[0]
					live = live[1:]
					if err := m.Deallocate(h.ID(), a.Pool, a.Addr, a.Size); err != nil {
						t.Errorf("failed to deallocate %s: %v", a, err)
					}
				}
			}
		}(i)
	}
	wg.Wait()

	st := m.Snapshot()
	require.Equal(t, st.MemorySize, st.FreeSize)
	require.Equal(t, 0, st.Sessions)
	require.NoError(t, m.ValidateState("test"))
}

func TestHealthCheckerRegistration(t *testing.T) {
	c := healthz.New()
	_ = newTestManager(t, testProfile(t, device.ClassSLS, 1, 1), WithHealthChecker(c))

	status, _ := c.Check()
	require.Equal(t, healthz.Healthy, status)

	_, err := New(testProfile(t, device.ClassSLS, 1, 1), WithHealthChecker(c))
	require.Error(t, err, "second registration of the same check should fail")
}

func TestSharedKeyForUnknownAllocation(t *testing.T) {
	m := newTestManager(t, testProfile(t, device.ClassSLS, 1, 1))
	h := open(t, m, "pid:1")

	_, err := m.MakeShared(h.ID(), 0, 0, 64)
	require.True(t, errors.Is(err, pnm.ErrNotFound))
	_, err = m.GetShared(h.ID(), shared.Key{Pool: 0, Addr: 0, Size: 64})
	require.True(t, errors.Is(err, pnm.ErrNotFound))
}
