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

package alloc

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/containers/pnm-resmgr/pkg/pnm"
)

// Allocator hands out device memory from a fixed set of pools. It is not
// safe for concurrent use; callers serialize access to it.
type Allocator struct {
	pools        []*Pool
	configs      []PoolConfig
	granularity  uint64
	alignment    uint64
	forceAligned bool
	fit          FitPolicy
}

// PoolConfig describes the address range of a single pool.
type PoolConfig struct {
	Base uint64
	Size uint64
}

// FitPolicy selects among the free extents of a pool which can hold a request.
type FitPolicy int

const (
	// FirstFit picks the lowest addressed suitable extent.
	FirstFit FitPolicy = iota
	// BestFit picks the smallest suitable extent.
	BestFit
)

const (
	// DefaultGranularity is the default block size of pools.
	DefaultGranularity = 4096
)

// AllocatorOption is an opaque option for an Allocator.
type AllocatorOption func(*Allocator) error

// WithPools is an option to set the pools of an allocator. Pools get
// their IDs in the order given.
func WithPools(pools ...PoolConfig) AllocatorOption {
	return func(a *Allocator) error {
		if len(a.configs) > 0 {
			return fmt.Errorf("allocator already has pools set")
		}
		if len(pools) == 0 || len(pools) > pnm.MaxPools {
			return fmt.Errorf("invalid number of pools %d (1 - %d)", len(pools), pnm.MaxPools)
		}
		a.configs = append([]PoolConfig{}, pools...)
		return nil
	}
}

// WithUniformPools is an option to set up count pools of equal size, each
// with its own address space starting at 0.
func WithUniformPools(count int, size uint64) AllocatorOption {
	return func(a *Allocator) error {
		pools := make([]PoolConfig, count)
		for i := range pools {
			pools[i] = PoolConfig{Size: size}
		}
		return WithPools(pools...)(a)
	}
}

// WithGranularity is an option to set the block size of all pools.
func WithGranularity(granularity uint64) AllocatorOption {
	return func(a *Allocator) error {
		if !isPowerOf2(granularity) {
			return fmt.Errorf("granularity %d is not a power of 2", granularity)
		}
		a.granularity = granularity
		return nil
	}
}

// WithAlignment is an option to set the alignment used in force-aligned
// mode. It defaults to the granularity.
func WithAlignment(alignment uint64) AllocatorOption {
	return func(a *Allocator) error {
		if !isPowerOf2(alignment) {
			return fmt.Errorf("alignment %d is not a power of 2", alignment)
		}
		a.alignment = alignment
		return nil
	}
}

// WithForceAligned is an option to round every allocation up to the alignment.
func WithForceAligned(enable bool) AllocatorOption {
	return func(a *Allocator) error {
		a.forceAligned = enable
		return nil
	}
}

// WithFitPolicy is an option to set the extent selection policy.
func WithFitPolicy(fit FitPolicy) AllocatorOption {
	return func(a *Allocator) error {
		if fit != FirstFit && fit != BestFit {
			return fmt.Errorf("invalid fit policy %d", fit)
		}
		a.fit = fit
		return nil
	}
}

// NewAllocator creates a new allocator instance and configures it with
// the given options.
func NewAllocator(options ...AllocatorOption) (*Allocator, error) {
	return newAllocator(options...)
}

func newAllocator(options ...AllocatorOption) (*Allocator, error) {
	a := &Allocator{
		granularity: DefaultGranularity,
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("%w: %w", pnm.ErrFailedOption, err)
		}
	}

	if len(a.configs) == 0 {
		return nil, fmt.Errorf("%w: no pools configured", pnm.ErrFailedOption)
	}

	if a.alignment == 0 {
		a.alignment = a.granularity
	}
	if a.alignment < a.granularity {
		return nil, fmt.Errorf("%w: alignment %d smaller than granularity %d",
			pnm.ErrFailedOption, a.alignment, a.granularity)
	}

	for i, cfg := range a.configs {
		id := pnm.PoolID(i)
		if cfg.Base%a.alignment != 0 {
			return nil, fmt.Errorf("%w: %s base 0x%x not aligned to %d",
				pnm.ErrFailedOption, id, cfg.Base, a.alignment)
		}
		p, err := newPool(id, cfg.Base, cfg.Size, a.granularity)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pnm.ErrFailedOption, err)
		}
		a.pools = append(a.pools, p)
	}

	return a, nil
}

// Granularity returns the block size of the pools.
func (a *Allocator) Granularity() uint64 {
	return a.granularity
}

// Alignment returns the alignment used in force-aligned mode.
func (a *Allocator) Alignment() uint64 {
	return a.alignment
}

// ForceAligned returns true if allocations are rounded up to the alignment.
func (a *Allocator) ForceAligned() bool {
	return a.forceAligned
}

// SetForceAligned enables or disables force-aligned mode. Live allocations
// are not affected.
func (a *Allocator) SetForceAligned(enable bool) {
	if a.forceAligned != enable {
		log.Info("force-aligned mode %v => %v", a.forceAligned, enable)
	}
	a.forceAligned = enable
}

// FitPolicy returns the extent selection policy of the allocator.
func (a *Allocator) FitPolicy() FitPolicy {
	return a.fit
}

// PoolCount returns the number of pools.
func (a *Allocator) PoolCount() int {
	return len(a.pools)
}

// Pool returns a snapshot of the pool with the given ID.
func (a *Allocator) Pool(id pnm.PoolID) (PoolInfo, error) {
	p, err := a.pool(id)
	if err != nil {
		return PoolInfo{}, err
	}
	return p.Info(), nil
}

// Pools returns a snapshot of all pools.
func (a *Allocator) Pools() []PoolInfo {
	infos := make([]PoolInfo, 0, len(a.pools))
	for _, p := range a.pools {
		infos = append(infos, p.Info())
	}
	return infos
}

// TotalSize returns the combined size of all pools.
func (a *Allocator) TotalSize() uint64 {
	total := uint64(0)
	for _, p := range a.pools {
		total += p.size
	}
	return total
}

// FreeSize returns the combined free size of all pools.
func (a *Allocator) FreeSize() uint64 {
	free := uint64(0)
	for _, p := range a.pools {
		free += p.free
	}
	return free
}

// MostFreePool returns the ID of the pool with the most free memory. Ties
// are broken by the lowest pool ID.
func (a *Allocator) MostFreePool() pnm.PoolID {
	best := a.pools[0]
	for _, p := range a.pools[1:] {
		if p.free > best.free {
			best = p
		}
	}
	return best.id
}

// NormalizeSize validates a requested size and, in force-aligned mode,
// rounds it up to the alignment.
func (a *Allocator) NormalizeSize(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero size", pnm.ErrInvalidSize)
	}

	if a.forceAligned {
		aligned := alignUp(size, a.alignment)
		if aligned < size {
			return 0, fmt.Errorf("%w: size %d overflows", pnm.ErrInvalidSize, size)
		}
		return aligned, nil
	}

	if size%a.granularity != 0 {
		return 0, fmt.Errorf("%w: size %d is not a multiple of granularity %d",
			pnm.ErrInvalidSize, size, a.granularity)
	}

	return size, nil
}

// Allocate allocates size bytes from the given pool, or from the pool
// with the most free memory if the pool is pnm.AnyPool. With AnyPool the
// remaining pools are tried in decreasing order of free memory if the
// most free one has no suitable extent.
func (a *Allocator) Allocate(id pnm.PoolID, size uint64) (pnm.Allocation, error) {
	size, err := a.NormalizeSize(size)
	if err != nil {
		return pnm.Allocation{}, err
	}

	var candidates []*Pool
	if id == pnm.AnyPool {
		candidates = a.poolsByFree()
	} else {
		p, err := a.pool(id)
		if err != nil {
			return pnm.Allocation{}, err
		}
		candidates = []*Pool{p}
	}

	var (
		nblocks = size / a.granularity
		align   = uint64(1)
	)
	if a.forceAligned {
		align = a.alignment / a.granularity
	}

	for _, p := range candidates {
		if p.free < size {
			continue
		}
		if addr, ok := p.alloc(nblocks, align, a.fit); ok {
			al := pnm.Allocation{Pool: p.id, Addr: addr, Size: size}
			log.Debug("allocated %s", al)
			return al, nil
		}
	}

	return pnm.Allocation{}, fmt.Errorf("%w: no contiguous %s extent in %s",
		pnm.ErrOutOfMemory, pnm.PrettySize(size), id)
}

// Free releases a live allocation. The range must be exactly one that was
// allocated and not yet freed.
func (a *Allocator) Free(id pnm.PoolID, addr, size uint64) error {
	p, err := a.pool(id)
	if err != nil {
		return err
	}

	normalize := func(size uint64) uint64 {
		if n, err := a.NormalizeSize(size); err == nil {
			return n
		}
		return size
	}

	if err := p.release(addr, size, normalize); err != nil {
		return err
	}

	log.Debug("freed %s@0x%x (%s)", id, addr, pnm.PrettySize(size))
	return nil
}

// Lookup returns the live allocation starting at addr in the given pool.
func (a *Allocator) Lookup(id pnm.PoolID, addr uint64) (pnm.Allocation, bool) {
	p, err := a.pool(id)
	if err != nil {
		return pnm.Allocation{}, false
	}
	return p.lookup(addr)
}

// Allocations returns all live allocations in pool and address order.
func (a *Allocator) Allocations() []pnm.Allocation {
	var result []pnm.Allocation
	for _, p := range a.pools {
		result = append(result, p.allocations()...)
	}
	return result
}

// Reset frees all memory in all pools.
func (a *Allocator) Reset() {
	for _, p := range a.pools {
		p.reset()
	}
	log.Info("all pools reset")
}

// ValidateState checks the consistency of all pools.
func (a *Allocator) ValidateState(where string) error {
	for _, p := range a.pools {
		if err := p.validate(where); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) pool(id pnm.PoolID) (*Pool, error) {
	if int(id) >= len(a.pools) {
		return nil, fmt.Errorf("%w: unknown %s", pnm.ErrInvalidArgument, id)
	}
	return a.pools[id], nil
}

// poolsByFree returns pools sorted by decreasing free size, ties broken
// by increasing pool ID.
func (a *Allocator) poolsByFree() []*Pool {
	pools := append([]*Pool{}, a.pools...)
	sort.SliceStable(pools, func(i, j int) bool {
		return pools[i].free > pools[j].free
	})
	return pools
}

// String returns the name of the fit policy.
func (f FitPolicy) String() string {
	switch f {
	case FirstFit:
		return "first-fit"
	case BestFit:
		return "best-fit"
	}
	return fmt.Sprintf("fit-policy#%d", int(f))
}

// ParseFitPolicy parses a fit policy name.
func ParseFitPolicy(name string) (FitPolicy, error) {
	switch name {
	case "", "first-fit", "firstfit":
		return FirstFit, nil
	case "best-fit", "bestfit":
		return BestFit, nil
	}
	return FirstFit, fmt.Errorf("%w: unknown fit policy %q", pnm.ErrInvalidArgument, name)
}

func isPowerOf2(v uint64) bool {
	return v != 0 && bits.OnesCount64(v) == 1
}
