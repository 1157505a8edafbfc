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

import "math/bits"

// bitmap is a fixed-size set of block allocation bits.
type bitmap []uint64

func newBitmap(n uint64) bitmap {
	return make(bitmap, (n+63)/64)
}

func (b bitmap) isSet(i uint64) bool {
	return b[i/64]&(1<<(i%64)) != 0
}

// setRange sets bits [beg, beg+n).
func (b bitmap) setRange(beg, n uint64) {
	for i := beg; i < beg+n; i++ {
		b[i/64] |= 1 << (i % 64)
	}
}

// clearRange clears bits [beg, beg+n).
func (b bitmap) clearRange(beg, n uint64) {
	for i := beg; i < beg+n; i++ {
		b[i/64] &^= 1 << (i % 64)
	}
}

// next returns the index of the first bit at or after from, but below
// limit, which is set (or clear, if set is false). It returns limit if
// there is no such bit.
func (b bitmap) next(from, limit uint64, set bool) uint64 {
	for i := from; i < limit; {
		w := b[i/64]
		if !set {
			w = ^w
		}
		if w >>= i % 64; w != 0 {
			return min(i+uint64(bits.TrailingZeros64(w)), limit)
		}
		i = (i/64 + 1) * 64
	}
	return limit
}

// count returns the number of set bits.
func (b bitmap) count() uint64 {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return uint64(n)
}

func (b bitmap) reset() {
	clear(b)
}
