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

package device_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/pnm-resmgr/pkg/pnm"
	"github.com/containers/pnm-resmgr/pkg/pnm/alloc"
	. "github.com/containers/pnm-resmgr/pkg/pnm/device"
	"github.com/containers/pnm-resmgr/pkg/pnm/sched"
)

func TestDefaultProfiles(t *testing.T) {
	for _, class := range Classes() {
		t.Run(string(class), func(t *testing.T) {
			p, err := DefaultProfile(class)
			require.NoError(t, err)
			require.NoError(t, p.Validate())

			a, err := alloc.NewAllocator(p.AllocatorOptions()...)
			require.NoError(t, err)
			require.Equal(t, len(p.Pools), a.PoolCount())
			require.Equal(t, p.MemorySize(), a.TotalSize())
			require.Equal(t, p.ForceAligned, a.ForceAligned())

			s, err := sched.New(p.Units, p.SchedulerOptions()...)
			require.NoError(t, err)
			require.Equal(t, p.AcquireTimeout, s.Timeout())
		})
	}

	_, err := DefaultProfile("gpu")
	require.True(t, errors.Is(err, pnm.ErrInvalidArgument))
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass(" SLS ")
	require.NoError(t, err)
	require.Equal(t, ClassSLS, c)

	_, err = ParseClass("dlrm")
	require.Error(t, err)
}

func TestProfileValidate(t *testing.T) {
	type testCase struct {
		name   string
		modify func(*Profile)
		valid  bool
	}
	for _, tc := range []*testCase{
		{
			name:   "default",
			modify: func(*Profile) {},
			valid:  true,
		},
		{
			name:   "granularity not a power of 2",
			modify: func(p *Profile) { p.Granularity = 3000 },
		},
		{
			name:   "alignment below granularity",
			modify: func(p *Profile) { p.Alignment = 1024 },
		},
		{
			name:   "no pools",
			modify: func(p *Profile) { p.Pools = nil },
		},
		{
			name:   "pool size not a multiple of granularity",
			modify: func(p *Profile) { p.Pools[1].Size += 100 },
		},
		{
			name:   "too many units",
			modify: func(p *Profile) { p.Units = pnm.MaxUnits + 1 },
		},
		{
			name:   "no units",
			modify: func(p *Profile) { p.Units = 0 },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := DefaultProfile(ClassSLS)
			require.NoError(t, err)
			tc.modify(&p)
			if tc.valid {
				require.NoError(t, p.Validate())
			} else {
				require.True(t, errors.Is(p.Validate(), pnm.ErrInvalidArgument))
			}
		})
	}
}

func TestEligibleUnits(t *testing.T) {
	sls, err := DefaultProfile(ClassSLS)
	require.NoError(t, err)
	imdb, err := DefaultProfile(ClassIMDB)
	require.NoError(t, err)

	mask := pnm.NewUnitMask(1, 2)
	require.Equal(t, mask, sls.EligibleUnits(mask))
	require.Equal(t, pnm.AllUnits(imdb.Units), imdb.EligibleUnits(mask))
}
