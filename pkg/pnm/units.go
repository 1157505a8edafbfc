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
	"math/bits"
	"strconv"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"
)

// UnitMask represents a set of execution unit IDs as a bit mask.
type UnitMask uint64

const (
	// MaxUnits is the maximum number of execution units a UnitMask can hold.
	MaxUnits = 64
)

// NewUnitMask returns a UnitMask with the given ids.
func NewUnitMask(ids ...UnitID) UnitMask {
	return UnitMask(0).Set(ids...)
}

// AllUnits returns a UnitMask with units 0..n-1 set.
func AllUnits(n int) UnitMask {
	switch {
	case n <= 0:
		return 0
	case n >= MaxUnits:
		return UnitMask(^uint64(0))
	}
	return UnitMask(uint64(1)<<n - 1)
}

// ParseUnitMask parses a UnitMask from either a hexadecimal bit mask
// (0x3) or a comma-separated list of IDs and ID ranges (0-1,4).
func ParseUnitMask(str string) (UnitMask, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, nil
	}

	if hex, ok := strings.CutPrefix(strings.ToLower(str), "0x"); ok {
		v, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: failed to parse unit mask %q: %w", ErrInvalidMask, str, err)
		}
		return UnitMask(v), nil
	}

	m := UnitMask(0)
	for _, s := range strings.Split(str, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")
		beg, err := parseUnitID(lo, str)
		if err != nil {
			return 0, err
		}
		end := beg
		if isRange {
			if end, err = parseUnitID(hi, str); err != nil {
				return 0, err
			}
			if end < beg {
				return 0, fmt.Errorf("%w: invalid range %d-%d in unit mask %q",
					ErrInvalidMask, beg, end, str)
			}
		}
		for id := beg; id <= end; id++ {
			m = m.Set(id)
		}
	}

	return m, nil
}

func parseUnitID(s, mask string) (UnitID, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to parse unit mask %q: %w", ErrInvalidMask, mask, err)
	}
	if id < 0 || id >= MaxUnits {
		return 0, fmt.Errorf("%w: invalid unit ID %d in mask %q", ErrInvalidMask, id, mask)
	}
	return id, nil
}

// MustParseUnitMask parses the given string representation of a UnitMask.
// It panics on failure.
func MustParseUnitMask(str string) UnitMask {
	m, err := ParseUnitMask(str)
	if err != nil {
		panic(err)
	}
	return m
}

// Set returns a UnitMask with both the original and the given IDs added.
func (m UnitMask) Set(ids ...UnitID) UnitMask {
	for _, id := range ids {
		m |= 1 << id
	}
	return m
}

// Clear returns a UnitMask with the given IDs removed.
func (m UnitMask) Clear(ids ...UnitID) UnitMask {
	for _, id := range ids {
		m &^= 1 << id
	}
	return m
}

// Contains returns true if all the given IDs are present in the UnitMask.
func (m UnitMask) Contains(ids ...UnitID) bool {
	for _, id := range ids {
		if m&(1<<id) == 0 {
			return false
		}
	}
	return true
}

// ContainsAny returns true if any of the given IDs are present in the UnitMask.
func (m UnitMask) ContainsAny(ids ...UnitID) bool {
	for _, id := range ids {
		if m&(1<<id) != 0 {
			return true
		}
	}
	return false
}

func (m UnitMask) And(o UnitMask) UnitMask    { return m & o }
func (m UnitMask) Or(o UnitMask) UnitMask     { return m | o }
func (m UnitMask) AndNot(o UnitMask) UnitMask { return m &^ o }

// Size returns the number of IDs present in the UnitMask.
func (m UnitMask) Size() int {
	return bits.OnesCount64(uint64(m))
}

// Lowest returns the lowest ID in the UnitMask, or -1 if it is empty.
func (m UnitMask) Lowest() UnitID {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// Foreach calls the given function for each ID set in the UnitMask in
// increasing order until the function returns ForeachDone.
func (m UnitMask) Foreach(fn func(UnitID) bool) {
	for m != 0 {
		id := bits.TrailingZeros64(uint64(m))
		if !fn(id) {
			return
		}
		m &^= 1 << id
	}
}

// Slice returns the IDs in the UnitMask in increasing order.
func (m UnitMask) Slice() []UnitID {
	ids := make([]UnitID, 0, m.Size())
	m.Foreach(func(id UnitID) bool {
		ids = append(ids, id)
		return ForeachMore
	})
	return ids
}

// IDSet returns the IDs in the UnitMask as an IDSet.
func (m UnitMask) IDSet() idset.IDSet {
	return idset.NewIDSet(m.Slice()...)
}

// UnitMaskFromIDSet returns a UnitMask with the IDs of the given set.
func UnitMaskFromIDSet(set idset.IDSet) (UnitMask, error) {
	m := UnitMask(0)
	for _, id := range set.SortedMembers() {
		if id < 0 || id >= MaxUnits {
			return 0, fmt.Errorf("%w: unit ID %d out of range", ErrInvalidMask, id)
		}
		m = m.Set(id)
	}
	return m, nil
}

// String returns a string representation of the UnitMask.
func (m UnitMask) String() string {
	return "units{" + m.ListString() + "}"
}

// ListString returns the IDs of the UnitMask as a comma-separated list
// with consecutive IDs collapsed into ranges.
func (m UnitMask) ListString() string {
	var (
		b        = strings.Builder{}
		beg, end = -1, -1
		flush    = func() {
			if beg < 0 {
				return
			}
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(beg))
			if end > beg {
				b.WriteByte('-')
				b.WriteString(strconv.Itoa(end))
			}
		}
	)

	m.Foreach(func(id UnitID) bool {
		if beg >= 0 && id == end+1 {
			end = id
			return ForeachMore
		}
		flush()
		beg, end = id, id
		return ForeachMore
	})
	flush()

	return b.String()
}
