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

package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/pnm"
)

const (
	// NoWait makes Acquire fail immediately with pnm.ErrBusy if no unit is free.
	NoWait time.Duration = 0
	// Forever makes Acquire wait until a unit becomes free.
	Forever time.Duration = -1
)

var (
	log = logger.Get("pnm-sched")
)

// Scheduler arbitrates exclusive use of a fixed set of execution units.
type Scheduler struct {
	mu      sync.Mutex
	units   []unit
	wakeup  chan struct{}
	waiters int
	timeout time.Duration
}

type unit struct {
	busy   bool
	holder pnm.SessionID
	count  uint64
}

// UnitInfo is a read-only snapshot of an execution unit.
type UnitInfo struct {
	ID               pnm.UnitID    `json:"id"`
	Busy             bool          `json:"busy"`
	Holder           pnm.SessionID `json:"holder,omitempty"`
	AcquisitionCount uint64        `json:"acquisitionCount"`
}

// Option is an opaque option for a Scheduler.
type Option func(*Scheduler) error

// WithTimeout sets the default acquisition timeout of the scheduler.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) error {
		s.timeout = timeout
		return nil
	}
}

// New creates a scheduler for the given number of execution units.
func New(count int, options ...Option) (*Scheduler, error) {
	if count <= 0 || count > pnm.MaxUnits {
		return nil, fmt.Errorf("%w: invalid number of execution units %d (1 - %d)",
			pnm.ErrFailedOption, count, pnm.MaxUnits)
	}

	s := &Scheduler{
		units:   make([]unit, count),
		wakeup:  make(chan struct{}),
		timeout: Forever,
	}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, fmt.Errorf("%w: %w", pnm.ErrFailedOption, err)
		}
	}

	return s, nil
}

// NumUnits returns the number of execution units.
func (s *Scheduler) NumUnits() int {
	return len(s.units)
}

// AllUnits returns the mask of all execution units.
func (s *Scheduler) AllUnits() pnm.UnitMask {
	return pnm.AllUnits(len(s.units))
}

// Timeout returns the default acquisition timeout.
func (s *Scheduler) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetTimeout sets the default acquisition timeout.
func (s *Scheduler) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Info("acquisition timeout %s => %s", fmtTimeout(s.timeout), fmtTimeout(timeout))
	s.timeout = timeout
}

// Acquire acquires the lowest numbered free unit in mask for owner,
// waiting at most timeout for one to become free. A timeout of NoWait
// fails with pnm.ErrBusy right away and a negative one (Forever) waits
// until a unit is free or ctx is done. A failed acquisition leaves no
// trace in the scheduler.
func (s *Scheduler) Acquire(ctx context.Context, owner pnm.SessionID, mask pnm.UnitMask, timeout time.Duration) (pnm.UnitID, error) {
	eligible := mask.And(s.AllUnits())
	if eligible == 0 {
		return -1, fmt.Errorf("%w: %s selects none of %d units", pnm.ErrInvalidMask, mask, len(s.units))
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		s.mu.Lock()
		if id, ok := s.tryAcquire(owner, eligible); ok {
			s.mu.Unlock()
			return id, nil
		}
		if timeout == NoWait {
			s.mu.Unlock()
			return -1, fmt.Errorf("%w: all of %s busy", pnm.ErrBusy, eligible)
		}
		wakeup := s.wakeup
		s.waiters++
		s.mu.Unlock()

		var err error
		select {
		case <-wakeup:
		case <-deadline:
			err = fmt.Errorf("%w: all of %s busy for %s", pnm.ErrTimeout, eligible, timeout)
		case <-ctx.Done():
			err = ctx.Err()
		}

		s.mu.Lock()
		s.waiters--
		s.mu.Unlock()

		if err != nil {
			log.Debug("%s: failed to acquire unit: %v", owner, err)
			return -1, err
		}
	}
}

// TryAcquire is Acquire with NoWait.
func (s *Scheduler) TryAcquire(owner pnm.SessionID, mask pnm.UnitMask) (pnm.UnitID, error) {
	return s.Acquire(context.Background(), owner, mask, NoWait)
}

func (s *Scheduler) tryAcquire(owner pnm.SessionID, eligible pnm.UnitMask) (pnm.UnitID, bool) {
	id := -1
	eligible.Foreach(func(u pnm.UnitID) bool {
		if !s.units[u].busy {
			id = u
			return pnm.ForeachDone
		}
		return pnm.ForeachMore
	})

	if id < 0 {
		return -1, false
	}

	u := &s.units[id]
	u.busy = true
	u.holder = owner
	u.count++

	log.Debug("%s acquired unit #%d", owner, id)

	return id, true
}

// Release releases a unit held by owner and wakes up all waiters.
func (s *Scheduler) Release(owner pnm.SessionID, id pnm.UnitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.unit(id)
	if err != nil {
		return err
	}

	if !u.busy {
		return fmt.Errorf("%w: unit #%d is not held", pnm.ErrInvalidArgument, id)
	}
	if u.holder != owner {
		return fmt.Errorf("%w: unit #%d is held by %s, not %s", pnm.ErrInvalidArgument,
			id, u.holder, owner)
	}

	s.release(id, u)
	return nil
}

// ForceRelease releases a unit regardless of its holder.
func (s *Scheduler) ForceRelease(id pnm.UnitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.unit(id)
	if err != nil {
		return err
	}

	if !u.busy {
		return fmt.Errorf("%w: unit #%d is not held", pnm.ErrInvalidArgument, id)
	}

	log.Info("force-releasing unit #%d held by %s", id, u.holder)
	s.release(id, u)
	return nil
}

func (s *Scheduler) release(id pnm.UnitID, u *unit) {
	log.Debug("%s released unit #%d", u.holder, id)
	u.busy = false
	u.holder = pnm.NoSession
	s.broadcast()
}

// broadcast wakes up all waiters so that each can re-check its mask.
func (s *Scheduler) broadcast() {
	close(s.wakeup)
	s.wakeup = make(chan struct{})
}

// Reset frees all units and clears their acquisition counters.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.units {
		s.units[i] = unit{}
	}
	s.broadcast()

	log.Info("all execution units reset")
}

// Unit returns a snapshot of the given unit.
func (s *Scheduler) Unit(id pnm.UnitID) (UnitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.unit(id)
	if err != nil {
		return UnitInfo{}, err
	}

	return u.info(id), nil
}

// Units returns a snapshot of all units.
func (s *Scheduler) Units() []UnitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]UnitInfo, 0, len(s.units))
	for id := range s.units {
		infos = append(infos, s.units[id].info(id))
	}
	return infos
}

// BusyMask returns the mask of currently held units.
func (s *Scheduler) BusyMask() pnm.UnitMask {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := pnm.UnitMask(0)
	for id, u := range s.units {
		if u.busy {
			m = m.Set(id)
		}
	}
	return m
}

// Waiters returns the number of Acquire calls currently blocked.
func (s *Scheduler) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters
}

func (s *Scheduler) unit(id pnm.UnitID) (*unit, error) {
	if id < 0 || id >= len(s.units) {
		return nil, fmt.Errorf("%w: unknown unit #%d", pnm.ErrInvalidArgument, id)
	}
	return &s.units[id], nil
}

func (u *unit) info(id pnm.UnitID) UnitInfo {
	return UnitInfo{
		ID:               id,
		Busy:             u.busy,
		Holder:           u.holder,
		AcquisitionCount: u.count,
	}
}

func fmtTimeout(timeout time.Duration) string {
	switch {
	case timeout < 0:
		return "forever"
	case timeout == NoWait:
		return "no-wait"
	}
	return timeout.String()
}
