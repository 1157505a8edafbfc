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
	"context"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1"
	"github.com/containers/pnm-resmgr/pkg/config"
	"github.com/containers/pnm-resmgr/pkg/healthz"
	"github.com/containers/pnm-resmgr/pkg/instrumentation"
	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/metrics"
	"github.com/containers/pnm-resmgr/pkg/metrics/collectors"
	core "github.com/containers/pnm-resmgr/pkg/resmgr"
	"github.com/containers/pnm-resmgr/pkg/resmgr/admin"
	rmmetrics "github.com/containers/pnm-resmgr/pkg/resmgr/metrics"
	"github.com/containers/pnm-resmgr/pkg/transport"
	"github.com/containers/pnm-resmgr/pkg/version"
)

var (
	log = logger.Default()
)

// Main wires the resource manager to its configuration, client transport
// and instrumentation.
type Main struct {
	cfg       *cfgapi.ResourceManagerConfig
	file      string
	mgr       *core.ResourceManager
	health    *healthz.Checker
	metrics   *metrics.Registry
	instr     *instrumentation.Service
	transport *transport.Server
}

// New creates the resource manager daemon for the given configuration.
// If file is not empty, the configuration is reloaded whenever the file
// changes.
func New(cfg *cfgapi.ResourceManagerConfig, file string) (*Main, error) {
	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	m := &Main{
		cfg:     cfg,
		file:    file,
		health:  healthz.New(),
		metrics: metrics.NewRegistry(),
	}

	mgr, err := core.NewFromConfig(&cfg.Spec.Device, core.WithHealthChecker(m.health))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}
	m.mgr = mgr

	if err := collectors.Register(m.metrics); err != nil {
		return nil, fmt.Errorf("failed to register standard collectors: %w", err)
	}
	if err := rmmetrics.Register(m.metrics, mgr); err != nil {
		return nil, fmt.Errorf("failed to register device collector: %w", err)
	}

	m.instr = instrumentation.New(
		&cfg.Spec.Instrumentation,
		instrumentation.WithMetrics(m.metrics),
		instrumentation.WithHealthChecker(m.health),
		instrumentation.WithAPI(admin.New(mgr).Setup),
	)
	m.transport = transport.NewServer(mgr, &cfg.Spec.Transport)

	return m, nil
}

// ResourceManager returns the resource manager of the daemon.
func (m *Main) ResourceManager() *core.ResourceManager {
	return m.mgr
}

// Instrumentation returns the instrumentation services of the daemon.
func (m *Main) Instrumentation() *instrumentation.Service {
	return m.instr
}

// Run runs the daemon until the context is canceled or a service fails.
func (m *Main) Run(ctx context.Context) error {
	profile := m.mgr.Profile()
	log.Info("pnm-resmgr version %s starting for %s device...", version.String(), profile.Class)
	log.Info("device profile %s", profile.String())
	log.InfoBlock("  <config> ", "%s", dumpConfig(m.cfg))

	if err := m.instr.Start(); err != nil {
		return fmt.Errorf("failed to start instrumentation: %w", err)
	}
	defer m.instr.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.transport.Serve(ctx)
	})

	if m.file != "" {
		w, err := config.Watch(m.file)
		if err != nil {
			return fmt.Errorf("failed to watch configuration %s: %w", m.file, err)
		}
		g.Go(func() error {
			defer w.Stop()
			m.watch(ctx, w)
			return nil
		})
	}

	err := g.Wait()
	log.Info("pnm-resmgr stopped")

	return err
}

func (m *Main) watch(ctx context.Context, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.ResultChan():
			if !ok {
				log.Warn("configuration watch closed")
				return
			}
			switch e.Type {
			case config.Updated:
				if err := m.Reconfigure(e.Config); err != nil {
					log.Error("failed to apply updated configuration: %v", err)
				}
			case config.Invalid:
				log.Error("ignoring invalid configuration: %v", e.Error)
			case config.Deleted:
				log.Warn("configuration file %s removed, keeping current configuration", m.file)
			}
		}
	}
}

// Reconfigure applies the runtime-tunable parts of a new configuration.
func (m *Main) Reconfigure(cfg *cfgapi.ResourceManagerConfig) error {
	log.Info("reconfiguring...")
	log.DebugBlock("  <config> ", "%s", dumpConfig(cfg))

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return err
	}

	if err := m.mgr.Reconfigure(&cfg.Spec.Device); err != nil {
		return err
	}

	if !cmp.Equal(m.cfg.Spec.Transport, cfg.Spec.Transport) {
		log.Warn("transport configuration changed, changes take effect after restart")
	}

	if !cmp.Equal(m.cfg.Spec.Instrumentation, cfg.Spec.Instrumentation) {
		if err := m.instr.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
			return err
		}
	}

	m.cfg = cfg

	return nil
}

func dumpConfig(cfg *cfgapi.ResourceManagerConfig) string {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Sprintf("<failed to dump configuration: %v>", err)
	}
	return strings.TrimSpace(string(data))
}
