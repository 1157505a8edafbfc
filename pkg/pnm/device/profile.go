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

package device

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/containers/pnm-resmgr/pkg/pnm"
	"github.com/containers/pnm-resmgr/pkg/pnm/alloc"
	"github.com/containers/pnm-resmgr/pkg/pnm/sched"
)

// Class is the name of a class of processing-near-memory devices.
type Class string

const (
	// ClassSLS is a device with one memory pool per compute unit. Clients
	// pick eligible units themselves and allocations are force-aligned.
	ClassSLS Class = "sls"
	// ClassIMDB is a device with independent pools and threads. Threads
	// are always picked from the full set of units.
	ClassIMDB Class = "imdb"
)

const (
	// KiB, MiB and GiB are binary size units.
	KiB = uint64(1) << 10
	MiB = KiB << 10
	GiB = MiB << 10
)

// Profile describes the topology and the policies of a device.
type Profile struct {
	Class        Class
	Pools        []alloc.PoolConfig
	Granularity  uint64
	Alignment    uint64
	ForceAligned bool
	FitPolicy    alloc.FitPolicy
	Units        int
	// UserMasks is true if clients choose the eligible units on acquire.
	UserMasks bool
	// AcquireTimeout is the default bound for acquisitions on behalf of
	// remote clients. A negative value waits forever.
	AcquireTimeout time.Duration
}

var profiles = map[Class]func() Profile{
	ClassSLS: func() Profile {
		return Profile{
			Class:          ClassSLS,
			Pools:          uniform(4, 8*GiB),
			Granularity:    4 * KiB,
			Alignment:      4 * KiB,
			ForceAligned:   true,
			FitPolicy:      alloc.FirstFit,
			Units:          4,
			UserMasks:      true,
			AcquireTimeout: 100 * time.Millisecond,
		}
	},
	ClassIMDB: func() Profile {
		return Profile{
			Class:          ClassIMDB,
			Pools:          uniform(2, 16*GiB),
			Granularity:    2 * MiB,
			Alignment:      2 * MiB,
			FitPolicy:      alloc.FirstFit,
			Units:          3,
			AcquireTimeout: 5 * time.Second,
		}
	},
}

// Classes returns the names of all known device classes.
func Classes() []Class {
	classes := make([]Class, 0, len(profiles))
	for c := range profiles {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	return classes
}

// ParseClass parses a device class name.
func ParseClass(name string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := profiles[c]; !ok {
		return "", fmt.Errorf("%w: unknown device class %q (known: %v)",
			pnm.ErrInvalidArgument, name, Classes())
	}
	return c, nil
}

// DefaultProfile returns the default profile for a device class.
func DefaultProfile(c Class) (Profile, error) {
	fn, ok := profiles[c]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown device class %q", pnm.ErrInvalidArgument, c)
	}
	return fn(), nil
}

// Validate checks the profile for consistency.
func (p *Profile) Validate() error {
	if _, ok := profiles[p.Class]; !ok {
		return fmt.Errorf("%w: unknown device class %q", pnm.ErrInvalidArgument, p.Class)
	}
	if p.Granularity == 0 || p.Granularity&(p.Granularity-1) != 0 {
		return fmt.Errorf("%w: granularity %d is not a power of 2", pnm.ErrInvalidArgument, p.Granularity)
	}
	if p.Alignment != 0 {
		if p.Alignment&(p.Alignment-1) != 0 || p.Alignment < p.Granularity {
			return fmt.Errorf("%w: alignment %d is not a power of 2 multiple of granularity %d",
				pnm.ErrInvalidArgument, p.Alignment, p.Granularity)
		}
	}
	if len(p.Pools) == 0 || len(p.Pools) > pnm.MaxPools {
		return fmt.Errorf("%w: invalid number of pools %d (1 - %d)",
			pnm.ErrInvalidArgument, len(p.Pools), pnm.MaxPools)
	}
	for i, pc := range p.Pools {
		if pc.Size == 0 || pc.Size%p.Granularity != 0 {
			return fmt.Errorf("%w: size %d of pool #%d is not a non-zero multiple of %d",
				pnm.ErrInvalidArgument, pc.Size, i, p.Granularity)
		}
	}
	if p.Units <= 0 || p.Units > pnm.MaxUnits {
		return fmt.Errorf("%w: invalid number of execution units %d (1 - %d)",
			pnm.ErrInvalidArgument, p.Units, pnm.MaxUnits)
	}
	return nil
}

// MemorySize returns the total size of all pools.
func (p *Profile) MemorySize() uint64 {
	total := uint64(0)
	for _, pc := range p.Pools {
		total += pc.Size
	}
	return total
}

// AllocatorOptions returns the options for creating an allocator for the device.
func (p *Profile) AllocatorOptions() []alloc.AllocatorOption {
	options := []alloc.AllocatorOption{
		alloc.WithGranularity(p.Granularity),
		alloc.WithPools(p.Pools...),
		alloc.WithForceAligned(p.ForceAligned),
		alloc.WithFitPolicy(p.FitPolicy),
	}
	if p.Alignment != 0 {
		options = append(options, alloc.WithAlignment(p.Alignment))
	}
	return options
}

// SchedulerOptions returns the options for creating a scheduler for the device.
func (p *Profile) SchedulerOptions() []sched.Option {
	return []sched.Option{
		sched.WithTimeout(p.AcquireTimeout),
	}
}

// EligibleUnits returns the mask of units a client request may be served
// from. Devices without user-selectable units ignore the requested mask.
func (p *Profile) EligibleUnits(requested pnm.UnitMask) pnm.UnitMask {
	if !p.UserMasks {
		return pnm.AllUnits(p.Units)
	}
	return requested
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s{%d pools, %s, %d units}",
		p.Class, len(p.Pools), pnm.PrettySize(p.MemorySize()), p.Units)
}

func uniform(count int, size uint64) []alloc.PoolConfig {
	pools := make([]alloc.PoolConfig, count)
	for i := range pools {
		pools[i] = alloc.PoolConfig{Base: uint64(i) * size, Size: size}
	}
	return pools
}
