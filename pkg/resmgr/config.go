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

package resmgr

import (
	"fmt"
	"reflect"

	"k8s.io/apimachinery/pkg/api/resource"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/device"
	"github.com/containers/pnm-resmgr/pkg/pnm"
	"github.com/containers/pnm-resmgr/pkg/pnm/alloc"
	"github.com/containers/pnm-resmgr/pkg/pnm/device"
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
)

// NewFromConfig creates a resource manager for the configured device.
// Options given explicitly take precedence over the configuration.
func NewFromConfig(cfg *cfgapi.Config, opts ...Option) (*ResourceManager, error) {
	profile, err := ProfileFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	policy, err := procmgr.ParseReclaimPolicy(cfg.ReclaimPolicy)
	if err != nil {
		return nil, resmgrError("invalid configuration: %w", err)
	}

	pnm.EnableAssertions(cfg.Assertions)

	opts = append([]Option{
		WithCleanup(cfg.Cleanup),
		WithReclaimPolicy(policy),
	}, opts...)

	return New(profile, opts...)
}

// ProfileFromConfig returns the device profile for the configuration,
// which is the default profile of the device class overridden by any
// explicitly configured settings.
func ProfileFromConfig(cfg *cfgapi.Config) (device.Profile, error) {
	class, err := device.ParseClass(cfg.Class)
	if err != nil {
		return device.Profile{}, resmgrError("invalid configuration: %w", err)
	}

	p, err := device.DefaultProfile(class)
	if err != nil {
		return device.Profile{}, resmgrError("invalid configuration: %w", err)
	}

	if q := cfg.Granularity; q != nil {
		if p.Granularity, err = quantityBytes("granularity", q); err != nil {
			return device.Profile{}, err
		}
		if cfg.Alignment == nil && p.Alignment < p.Granularity {
			p.Alignment = p.Granularity
		}
	}
	if q := cfg.Alignment; q != nil {
		if p.Alignment, err = quantityBytes("alignment", q); err != nil {
			return device.Profile{}, err
		}
	}

	switch {
	case len(cfg.Pools) > 0:
		p.Pools = make([]alloc.PoolConfig, 0, len(cfg.Pools))
		for i, pc := range cfg.Pools {
			size, err := quantityBytes(fmt.Sprintf("pool #%d size", i), &pc.Size)
			if err != nil {
				return device.Profile{}, err
			}
			base := uint64(0)
			if pc.Base != nil {
				if base, err = quantityBytes(fmt.Sprintf("pool #%d base", i), pc.Base); err != nil {
					return device.Profile{}, err
				}
			}
			p.Pools = append(p.Pools, alloc.PoolConfig{Base: base, Size: size})
		}

	case cfg.PoolCount > 0 || cfg.PoolSize != nil:
		count := len(p.Pools)
		if cfg.PoolCount > 0 {
			count = cfg.PoolCount
		}
		size := p.Pools[0].Size
		if cfg.PoolSize != nil {
			if size, err = quantityBytes("pool size", cfg.PoolSize); err != nil {
				return device.Profile{}, err
			}
		}
		p.Pools = make([]alloc.PoolConfig, count)
		for i := range p.Pools {
			p.Pools[i] = alloc.PoolConfig{Base: uint64(i) * size, Size: size}
		}
	}

	if cfg.ForceAligned != nil {
		p.ForceAligned = *cfg.ForceAligned
	}
	if cfg.FitPolicy != "" {
		if p.FitPolicy, err = alloc.ParseFitPolicy(cfg.FitPolicy); err != nil {
			return device.Profile{}, resmgrError("invalid configuration: %w", err)
		}
	}
	if cfg.Units > 0 {
		p.Units = cfg.Units
	}
	if cfg.AcquireTimeout != nil {
		p.AcquireTimeout = cfg.AcquireTimeout.Duration
	}

	if err := p.Validate(); err != nil {
		return device.Profile{}, resmgrError("invalid configuration: %w", err)
	}

	return p, nil
}

// Reconfigure applies the runtime-tunable settings of an updated
// configuration. Topology changes only take effect after a restart.
func (m *ResourceManager) Reconfigure(cfg *cfgapi.Config) error {
	p, err := ProfileFromConfig(cfg)
	if err != nil {
		return err
	}

	policy, err := procmgr.ParseReclaimPolicy(cfg.ReclaimPolicy)
	if err != nil {
		return resmgrError("invalid configuration: %w", err)
	}

	if p.Class != m.profile.Class || p.Units != m.profile.Units ||
		p.Granularity != m.profile.Granularity || p.Alignment != m.profile.Alignment ||
		p.FitPolicy != m.profile.FitPolicy || !reflect.DeepEqual(p.Pools, m.profile.Pools) {
		log.Warn("device topology changes are ignored until restart")
	}

	pnm.EnableAssertions(cfg.Assertions)

	if err := m.SetReclaimPolicy(policy); err != nil {
		return err
	}
	m.SetAcquireTimeout(p.AcquireTimeout)
	m.SetForceAligned(p.ForceAligned)

	if cfg.Cleanup {
		if err := m.EnableCleanup(); err != nil {
			log.Warn("cleanup enabled with reclamation failures: %v", err)
		}
	} else {
		m.DisableCleanup()
	}

	log.Info("configuration updated")

	return nil
}

func quantityBytes(what string, q *resource.Quantity) (uint64, error) {
	v, ok := q.AsInt64()
	if !ok || v <= 0 {
		return 0, resmgrError("invalid configuration: %s %s is not a positive integer byte count",
			what, q.String())
	}
	return uint64(v), nil
}
