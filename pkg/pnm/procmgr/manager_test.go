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

package procmgr_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/containers/pnm-resmgr/pkg/pnm"
	. "github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
)

// fakeReclaimer records reclaimed resources and fails on demand.
type fakeReclaimer struct {
	sync.Mutex
	allocs    []pnm.Allocation
	units     []pnm.UnitID
	failAlloc map[pnm.AllocKey]bool
	failUnit  map[pnm.UnitID]bool
}

func newFakeReclaimer() *fakeReclaimer {
	return &fakeReclaimer{
		failAlloc: map[pnm.AllocKey]bool{},
		failUnit:  map[pnm.UnitID]bool{},
	}
}

func (r *fakeReclaimer) ReclaimAllocation(_ pnm.SessionID, a pnm.Allocation) error {
	r.Lock()
	defer r.Unlock()
	if r.failAlloc[a.Key()] {
		return fmt.Errorf("injected failure for %s", a)
	}
	r.allocs = append(r.allocs, a)
	return nil
}

func (r *fakeReclaimer) ReclaimUnit(_ pnm.SessionID, u pnm.UnitID) error {
	r.Lock()
	defer r.Unlock()
	if r.failUnit[u] {
		return fmt.Errorf("injected failure for unit #%d", u)
	}
	r.units = append(r.units, u)
	return nil
}

func newTestManager(t *testing.T, r Reclaimer, options ...Option) *Manager {
	m, err := NewManager(r, options...)
	require.NoError(t, err, "unexpected NewManager() error")
	return m
}

func TestRegisterIsIdempotentPerClient(t *testing.T) {
	m := newTestManager(t, newFakeReclaimer())

	h1, err := m.Register("pid:100")
	require.NoError(t, err)
	h2, err := m.Register("pid:100")
	require.NoError(t, err)
	h3, err := m.Register("pid:200")
	require.NoError(t, err)

	require.Equal(t, h1.ID(), h2.ID())
	require.NotEqual(t, h1.ID(), h3.ID())
	require.NotEqual(t, pnm.NoSession, h1.ID())

	info, err := m.Session(h1.ID())
	require.NoError(t, err)
	require.Equal(t, 2, info.RefCount)

	outcome, err := h1.Close()
	require.NoError(t, err)
	require.Equal(t, Retained, outcome)

	// closing the same handle again must not drop another reference
	outcome, err = h1.Close()
	require.NoError(t, err)
	require.Equal(t, Retained, outcome)
	info, err = m.Session(h2.ID())
	require.NoError(t, err)
	require.Equal(t, 1, info.RefCount)

	outcome, err = h2.Close()
	require.NoError(t, err)
	require.Equal(t, Destroyed, outcome)
	require.Equal(t, 1, m.Len())

	_, err = m.Register("")
	require.True(t, errors.Is(err, pnm.ErrInvalidArgument))
}

func TestAllocationAndUnitBookkeeping(t *testing.T) {
	m := newTestManager(t, newFakeReclaimer())

	h, err := m.Register("client")
	require.NoError(t, err)
	id := h.ID()

	a := pnm.Allocation{Pool: 1, Addr: 0x40, Size: 64}
	require.NoError(t, m.RecordAllocation(id, a))
	require.True(t, errors.Is(m.RecordAllocation(id, a), pnm.ErrInvalidArgument))

	require.NoError(t, m.MarkGlobal(id, a.Key()))
	got, err := m.LookupAllocation(id, a.Key())
	require.NoError(t, err)
	require.True(t, got.Global)

	require.NoError(t, m.RecordUnit(id, 2))
	require.True(t, m.HoldsUnit(id, 2))
	require.True(t, errors.Is(m.RecordUnit(id, 2), pnm.ErrInvalidArgument))

	forgotten, err := m.ForgetAllocation(id, a.Key())
	require.NoError(t, err)
	require.Equal(t, a.Key(), forgotten.Key())
	_, err = m.ForgetAllocation(id, a.Key())
	require.True(t, errors.Is(err, pnm.ErrNotFound))

	require.NoError(t, m.ForgetUnit(id, 2))
	require.True(t, errors.Is(m.ForgetUnit(id, 2), pnm.ErrNotFound))

	require.True(t, errors.Is(m.RecordAllocation(id+100, a), pnm.ErrNotFound))
	require.True(t, errors.Is(m.RecordUnit(id+100, 0), pnm.ErrNotFound))
}

func TestLeakedSessionsAndCleanup(t *testing.T) {
	r := newFakeReclaimer()
	m := newTestManager(t, r)
	require.False(t, m.CleanupEnabled())

	const N = 5
	var expected []pnm.Allocation
	for i := 0; i < N; i++ {
		h, err := m.Register(ClientKey(fmt.Sprintf("pid:%d", i)))
		require.NoError(t, err)
		a := pnm.Allocation{Pool: 0, Addr: uint64(i) * 64, Size: 64}
		require.NoError(t, m.RecordAllocation(h.ID(), a))
		expected = append(expected, a)

		outcome, err := h.Close()
		require.NoError(t, err)
		require.Equal(t, Leaked, outcome)
		require.Equal(t, i+1, m.LeakedCount())
	}

	leaked := m.LeakedSessions()
	require.Len(t, leaked, N)
	require.Empty(t, r.allocs, "nothing should be reclaimed while cleanup is off")

	require.NoError(t, m.EnableCleanup())
	require.True(t, m.CleanupEnabled())
	require.Equal(t, 0, m.LeakedCount())
	require.Empty(t, cmp.Diff(expected, r.allocs))

	stats := m.Stats()
	require.Equal(t, uint64(N), stats.Leaked)
	require.Equal(t, uint64(N), stats.Reclaimed)
}

func TestCloseReclaimsWhenCleanupEnabled(t *testing.T) {
	r := newFakeReclaimer()
	m := newTestManager(t, r, WithCleanup(true))

	h, err := m.Register("pid:1")
	require.NoError(t, err)
	require.NoError(t, m.RecordAllocation(h.ID(), pnm.Allocation{Pool: 0, Addr: 0, Size: 64}))
	require.NoError(t, m.RecordUnit(h.ID(), 0))
	require.NoError(t, m.RecordUnit(h.ID(), 3))

	outcome, err := h.Close()
	require.NoError(t, err)
	require.Equal(t, Reclaimed, outcome)
	require.Len(t, r.allocs, 1)
	require.Equal(t, []pnm.UnitID{0, 3}, r.units)
	require.Equal(t, 0, m.LeakedCount())
	require.Equal(t, 0, m.Len())
}

func TestReclaimPolicyOnFailure(t *testing.T) {
	type testCase struct {
		name          string
		policy        ReclaimPolicy
		leakedAfter   int
		retryReclaims bool
	}
	for _, tc := range []*testCase{
		{
			name:        "drop on failure",
			policy:      DropOnFailure,
			leakedAfter: 0,
		},
		{
			name:          "retain on failure",
			policy:        RetainOnFailure,
			leakedAfter:   1,
			retryReclaims: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newFakeReclaimer()
			m := newTestManager(t, r, WithReclaimPolicy(tc.policy))

			good := pnm.Allocation{Pool: 0, Addr: 0, Size: 64}
			bad := pnm.Allocation{Pool: 0, Addr: 64, Size: 64}
			r.failAlloc[bad.Key()] = true

			h, err := m.Register("pid:1")
			require.NoError(t, err)
			require.NoError(t, m.RecordAllocation(h.ID(), good))
			require.NoError(t, m.RecordAllocation(h.ID(), bad))
			_, err = h.Close()
			require.NoError(t, err)
			require.Equal(t, 1, m.LeakedCount())

			err = m.EnableCleanup()
			require.Error(t, err)
			require.Equal(t, tc.leakedAfter, m.LeakedCount())
			require.Equal(t, []pnm.Allocation{good}, r.allocs)

			if !tc.retryReclaims {
				return
			}

			residue := m.LeakedSessions()
			require.Len(t, residue, 1)
			require.Equal(t, []pnm.Allocation{bad}, residue[0].Allocations)

			delete(r.failAlloc, bad.Key())
			require.NoError(t, m.EnableCleanup())
			require.Equal(t, 0, m.LeakedCount())
			require.Equal(t, []pnm.Allocation{good, bad}, r.allocs)
		})
	}
}

func TestRetainOnFailureParksOnClose(t *testing.T) {
	r := newFakeReclaimer()
	r.failUnit[1] = true
	m := newTestManager(t, r, WithCleanup(true), WithReclaimPolicy(RetainOnFailure))

	h, err := m.Register("pid:1")
	require.NoError(t, err)
	require.NoError(t, m.RecordUnit(h.ID(), 1))

	outcome, err := h.Close()
	require.NoError(t, err)
	require.Equal(t, Leaked, outcome)
	require.Equal(t, 1, m.LeakedCount())
	require.Equal(t, pnm.NewUnitMask(1), m.LeakedSessions()[0].Units)
}

func TestReset(t *testing.T) {
	m := newTestManager(t, newFakeReclaimer())

	h1, err := m.Register("pid:1")
	require.NoError(t, err)
	require.NoError(t, m.RecordUnit(h1.ID(), 0))
	_, err = h1.Close()
	require.NoError(t, err)

	h2, err := m.Register("pid:2")
	require.NoError(t, err)
	require.NoError(t, m.RecordAllocation(h2.ID(), pnm.Allocation{Size: 64}))
	require.True(t, m.HasLiveResources())

	require.Equal(t, 1, m.Reset())
	require.Equal(t, 0, m.LeakedCount())
	require.False(t, m.HasLiveResources())
	require.Equal(t, 1, m.Len())
}

func TestParseReclaimPolicy(t *testing.T) {
	p, err := ParseReclaimPolicy("retain")
	require.NoError(t, err)
	require.Equal(t, RetainOnFailure, p)
	require.Equal(t, "retain", p.String())

	p, err = ParseReclaimPolicy("")
	require.NoError(t, err)
	require.Equal(t, DropOnFailure, p)

	_, err = ParseReclaimPolicy("forget")
	require.Error(t, err)

	m := newTestManager(t, newFakeReclaimer())
	require.Error(t, m.SetReclaimPolicy(ReclaimPolicy(7)))
	require.NoError(t, m.SetReclaimPolicy(RetainOnFailure))
	require.Equal(t, RetainOnFailure, m.ReclaimPolicy())
}

// gatedReclaimer blocks reclamation until released and skips resources
// of sessions a reset has overtaken.
type gatedReclaimer struct {
	m       *Manager
	entered chan struct{}
	proceed chan struct{}
	skipped int
	freed   int
}

func (r *gatedReclaimer) ReclaimAllocation(owner pnm.SessionID, _ pnm.Allocation) error {
	r.entered <- struct{}{}
	<-r.proceed
	if !r.m.Reclaiming(owner) {
		r.skipped++
		return nil
	}
	r.freed++
	return nil
}

func (r *gatedReclaimer) ReclaimUnit(pnm.SessionID, pnm.UnitID) error {
	return nil
}

func TestResetOvertakesReclamation(t *testing.T) {
	r := &gatedReclaimer{
		entered: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	m := newTestManager(t, r, WithCleanup(true), WithReclaimPolicy(RetainOnFailure))
	r.m = m

	h, err := m.Register("pid:1")
	require.NoError(t, err)
	id := h.ID()
	require.NoError(t, m.RecordAllocation(id, pnm.Allocation{Addr: 0, Size: 128}))

	done := make(chan CloseOutcome, 1)
	go func() {
		outcome, _ := h.Close()
		done <- outcome
	}()

	<-r.entered
	require.Equal(t, 0, m.Len())
	require.True(t, m.Reclaiming(id))
	require.True(t, m.HasLiveResources(), "closing session must keep the device in use")

	require.Equal(t, 1, m.Reset())
	require.False(t, m.Reclaiming(id))
	require.False(t, m.HasLiveResources())

	close(r.proceed)
	require.Equal(t, Reclaimed, <-done)
	require.Equal(t, 1, r.skipped)
	require.Equal(t, 0, r.freed)
	require.Equal(t, 0, m.LeakedCount())
	require.False(t, m.Reclaiming(id))
}

func TestReclaimingClearedAfterClose(t *testing.T) {
	r := newFakeReclaimer()
	m := newTestManager(t, r, WithCleanup(true))

	h, err := m.Register("pid:1")
	require.NoError(t, err)
	require.NoError(t, m.RecordUnit(h.ID(), 0))
	require.False(t, m.Reclaiming(h.ID()))

	outcome, err := h.Close()
	require.NoError(t, err)
	require.Equal(t, Reclaimed, outcome)
	require.False(t, m.Reclaiming(h.ID()))
	require.False(t, m.HasLiveResources())
	require.Equal(t, []pnm.UnitID{0}, r.units)
}
