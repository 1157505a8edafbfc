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

package pnm

import (
	"fmt"
	"math"
)

type (
	// PoolID identifies a device memory pool.
	PoolID uint8
	// UnitID identifies a hardware execution unit.
	UnitID = int
	// SessionID identifies a client session. IDs are never reused while
	// a session is live or parked on the leaked list.
	SessionID uint64
)

const (
	// AnyPool lets the allocator choose the pool for an allocation.
	AnyPool PoolID = math.MaxUint8
	// MaxPools is the maximum number of pools a device can have.
	MaxPools = int(AnyPool)
	// NoSession is the holder of a free execution unit.
	NoSession SessionID = 0
)

const (
	// ForeachDone as a return value terminates iteration by a Foreach* function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach* function.
	ForeachMore = !ForeachDone
)

// String returns a string representation of the pool ID.
func (id PoolID) String() string {
	if id == AnyPool {
		return "pool#any"
	}
	return fmt.Sprintf("pool#%d", uint8(id))
}

// String returns a string representation of the session ID.
func (id SessionID) String() string {
	return fmt.Sprintf("session#%d", uint64(id))
}

// Allocation is a range of device memory handed out from a pool.
type Allocation struct {
	Pool   PoolID
	Addr   uint64
	Size   uint64
	Global bool
}

// AllocKey identifies a live allocation within a session or a pool.
type AllocKey struct {
	Pool PoolID
	Addr uint64
}

// Key returns the lookup key for the allocation.
func (a Allocation) Key() AllocKey {
	return AllocKey{Pool: a.Pool, Addr: a.Addr}
}

// End returns the first address past the allocation.
func (a Allocation) End() uint64 {
	return a.Addr + a.Size
}

// Overlaps returns true if the allocations share a pool and any address.
func (a Allocation) Overlaps(o Allocation) bool {
	return a.Pool == o.Pool && a.Addr < o.End() && o.Addr < a.End()
}

// String returns a string representation of the allocation.
func (a Allocation) String() string {
	kind := ""
	if a.Global {
		kind = " shared"
	}
	return fmt.Sprintf("<%s [0x%x, 0x%x) %s%s>", a.Pool, a.Addr, a.End(), PrettySize(a.Size), kind)
}

// String returns a string representation of the allocation key.
func (k AllocKey) String() string {
	return fmt.Sprintf("%s@0x%x", k.Pool, k.Addr)
}

// PrettySize formats a byte count with a binary unit suffix.
func PrettySize(size uint64) string {
	const (
		k = 1 << 10
		m = 1 << 20
		g = 1 << 30
	)
	switch {
	case size >= g && size%(g/16) == 0:
		return fmt.Sprintf("%.4gG", float64(size)/g)
	case size >= m && size%(m/16) == 0:
		return fmt.Sprintf("%.4gM", float64(size)/m)
	case size >= k && size%(k/16) == 0:
		return fmt.Sprintf("%.4gk", float64(size)/k)
	}
	return fmt.Sprintf("%d", size)
}
