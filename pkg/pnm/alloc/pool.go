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
	"sort"

	"github.com/containers/pnm-resmgr/pkg/pnm"
)

// Pool is a contiguous range of device memory handed out in blocks of
// a fixed granularity. A set bit in the bitmap marks an allocated block.
type Pool struct {
	id      pnm.PoolID
	base    uint64
	size    uint64
	gran    uint64
	nblocks uint64
	free    uint64
	bitmap  bitmap
	live    map[uint64]uint64 // first block of live allocations -> block count
}

// PoolInfo is a read-only snapshot of a Pool.
type PoolInfo struct {
	ID          pnm.PoolID `json:"id"`
	Base        uint64     `json:"base"`
	Size        uint64     `json:"size"`
	Free        uint64     `json:"free"`
	Granularity uint64     `json:"granularity"`
	Allocations int        `json:"allocations"`
	LargestFree uint64     `json:"largestFree"`
}

func newPool(id pnm.PoolID, base, size, gran uint64) (*Pool, error) {
	if size == 0 || size%gran != 0 {
		return nil, fmt.Errorf("%w: %s size %d is not a positive multiple of granularity %d",
			pnm.ErrInvalidSize, id, size, gran)
	}
	if base%gran != 0 {
		return nil, fmt.Errorf("%w: %s base 0x%x is not aligned to granularity %d",
			pnm.ErrInvalidArgument, id, base, gran)
	}

	n := size / gran
	return &Pool{
		id:      id,
		base:    base,
		size:    size,
		gran:    gran,
		nblocks: n,
		free:    size,
		bitmap:  newBitmap(n),
		live:    make(map[uint64]uint64),
	}, nil
}

// ID returns the ID of the pool.
func (p *Pool) ID() pnm.PoolID {
	return p.id
}

// Info returns a snapshot of the pool.
func (p *Pool) Info() PoolInfo {
	return PoolInfo{
		ID:          p.id,
		Base:        p.base,
		Size:        p.size,
		Free:        p.free,
		Granularity: p.gran,
		Allocations: len(p.live),
		LargestFree: p.largestFree(),
	}
}

// alloc allocates n blocks with a first block index that is a multiple
// of align, using the given fit policy.
func (p *Pool) alloc(n, align uint64, fit FitPolicy) (uint64, bool) {
	var (
		best    uint64
		bestLen uint64
		found   bool
	)

	for pos := uint64(0); pos < p.nblocks; {
		beg := p.bitmap.next(pos, p.nblocks, false)
		if beg >= p.nblocks {
			break
		}
		end := p.bitmap.next(beg, p.nblocks, true)

		if start := alignUp(beg, align); start+n <= end {
			if fit == FirstFit {
				best, found = start, true
				break
			}
			if run := end - start; !found || run < bestLen {
				best, bestLen, found = start, run, true
			}
		}

		pos = end
	}

	if !found {
		return 0, false
	}

	p.bitmap.setRange(best, n)
	p.live[best] = n
	p.free -= n * p.gran

	return p.base + best*p.gran, true
}

// release frees a live allocation at addr. The size must match the live
// allocation exactly, or match it once normalized by the allocator.
func (p *Pool) release(addr, size uint64, normalize func(uint64) uint64) error {
	if addr < p.base || addr >= p.base+p.size || (addr-p.base)%p.gran != 0 {
		return fmt.Errorf("%w: address 0x%x is not a block in %s",
			pnm.ErrInvalidArgument, addr, p.id)
	}

	blk := (addr - p.base) / p.gran
	n, ok := p.live[blk]
	if !ok {
		return fmt.Errorf("%w: no live allocation at 0x%x in %s (double free?)",
			pnm.ErrInvalidArgument, addr, p.id)
	}

	if live := n * p.gran; size != live && normalize(size) != live {
		return fmt.Errorf("%w: partial free of 0x%x in %s (size %d, allocated %d)",
			pnm.ErrInvalidArgument, addr, p.id, size, live)
	}

	p.bitmap.clearRange(blk, n)
	delete(p.live, blk)
	p.free += n * p.gran

	return nil
}

// lookup returns the live allocation starting at addr.
func (p *Pool) lookup(addr uint64) (pnm.Allocation, bool) {
	if addr < p.base || (addr-p.base)%p.gran != 0 {
		return pnm.Allocation{}, false
	}
	n, ok := p.live[(addr-p.base)/p.gran]
	if !ok {
		return pnm.Allocation{}, false
	}
	return pnm.Allocation{Pool: p.id, Addr: addr, Size: n * p.gran}, true
}

func (p *Pool) reset() {
	p.bitmap.reset()
	clear(p.live)
	p.free = p.size
}

// largestFree returns the size of the largest contiguous free extent.
func (p *Pool) largestFree() uint64 {
	largest := uint64(0)
	for pos := uint64(0); pos < p.nblocks; {
		beg := p.bitmap.next(pos, p.nblocks, false)
		if beg >= p.nblocks {
			break
		}
		end := p.bitmap.next(beg, p.nblocks, true)
		largest = max(largest, end-beg)
		pos = end
	}
	return largest * p.gran
}

// allocations returns the live allocations of the pool in address order.
func (p *Pool) allocations() []pnm.Allocation {
	blocks := make([]uint64, 0, len(p.live))
	for blk := range p.live {
		blocks = append(blocks, blk)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	result := make([]pnm.Allocation, 0, len(blocks))
	for _, blk := range blocks {
		result = append(result, pnm.Allocation{
			Pool: p.id,
			Addr: p.base + blk*p.gran,
			Size: p.live[blk] * p.gran,
		})
	}
	return result
}

// validate checks that live allocations are disjoint, match the bitmap,
// and that free and allocated space add up to the pool size.
func (p *Pool) validate(where string) error {
	var (
		used = uint64(0)
		prev = pnm.Allocation{}
	)

	for i, a := range p.allocations() {
		if i > 0 && a.Overlaps(prev) {
			return pnm.Assert(false, "%s: %s overlapping allocations %s and %s", where, p.id, prev, a)
		}
		blk := (a.Addr - p.base) / p.gran
		for b := blk; b < blk+a.Size/p.gran; b++ {
			if !p.bitmap.isSet(b) {
				return pnm.Assert(false, "%s: %s block %d of %s not marked allocated", where, p.id, b, a)
			}
		}
		used += a.Size
		prev = a
	}

	if err := pnm.Assert(used+p.free == p.size, "%s: %s used %d + free %d != size %d",
		where, p.id, used, p.free, p.size); err != nil {
		return err
	}

	return pnm.Assert(p.bitmap.count()*p.gran == used, "%s: %s bitmap has %d blocks set, expected %d",
		where, p.id, p.bitmap.count(), used/p.gran)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
