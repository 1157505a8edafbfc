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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1"
	. "github.com/containers/pnm-resmgr/pkg/config"
)

const (
	validConfig = `
apiVersion: config.pnm.resmgr/v1alpha1
kind: ResourceManagerConfig
metadata:
  name: default
spec:
  device:
    class: sls
    poolCount: 2
    poolSize: 64Mi
    acquireTimeout: 250ms
    cleanup: true
    reclaimPolicy: retain
  transport:
    socket: /tmp/pnm.sock
    requestRate: 100
  instrumentation:
    httpEndpoint: 127.0.0.1:0
    prometheusExport: true
  log:
    debug:
      - on:resource-manager
`
)

func TestParse(t *testing.T) {
	type testCase struct {
		name    string
		data    string
		invalid bool
		check   func(*testing.T, *cfgapi.ResourceManagerConfig)
	}
	for _, tc := range []*testCase{
		{
			name: "valid configuration",
			data: validConfig,
			check: func(t *testing.T, cfg *cfgapi.ResourceManagerConfig) {
				dev := cfg.Spec.Device
				require.Equal(t, "sls", dev.Class)
				require.Equal(t, 2, dev.PoolCount)
				require.Equal(t, int64(64<<20), dev.PoolSize.Value())
				require.Equal(t, 250*time.Millisecond, dev.AcquireTimeout.Duration)
				require.True(t, dev.Cleanup)
				require.Equal(t, "retain", dev.ReclaimPolicy)
				require.Equal(t, "/tmp/pnm.sock", cfg.Spec.Transport.Socket)
				require.Equal(t, float64(100), cfg.Spec.Transport.RequestRate)
				require.True(t, cfg.Spec.Instrumentation.PrometheusExport)
				require.Equal(t, []string{"on:resource-manager"}, cfg.Spec.Log.Debug)
			},
		},
		{
			name: "minimal configuration",
			data: "spec:\n  device:\n    class: imdb\n",
			check: func(t *testing.T, cfg *cfgapi.ResourceManagerConfig) {
				require.Equal(t, "imdb", cfg.Spec.Device.Class)
				require.Nil(t, cfg.Spec.Device.PoolSize)
			},
		},
		{
			name:    "unknown field",
			data:    "spec:\n  device:\n    class: sls\n    poolz: 2\n",
			invalid: true,
		},
		{
			name:    "missing class",
			data:    "spec:\n  device:\n    poolCount: 2\n",
			invalid: true,
		},
		{
			name:    "unknown class",
			data:    "spec:\n  device:\n    class: gpu\n",
			invalid: true,
		},
		{
			name:    "wrong kind",
			data:    "kind: Pod\nspec:\n  device:\n    class: sls\n",
			invalid: true,
		},
		{
			name:    "invalid quantity",
			data:    "spec:\n  device:\n    class: sls\n    poolSize: lots\n",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.data), tc.name)
			if tc.invalid {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.name)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")

	_, err := Load(file)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(file, []byte(validConfig), 0o644))
	cfg, err := Load(file)
	require.NoError(t, err)
	require.Equal(t, "default", cfg.Name)
}

func nextEvent(t *testing.T, w *Watcher) Event {
	select {
	case e, ok := <-w.ResultChan():
		require.True(t, ok, "watch closed unexpectedly")
		return e
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout waiting for configuration event")
	}
	return Event{}
}

func TestWatch(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(validConfig), 0o644))

	w, err := Watch(file)
	require.NoError(t, err)
	defer w.Stop()

	updated := "spec:\n  device:\n    class: sls\n    cleanup: false\n"
	require.NoError(t, os.WriteFile(file, []byte(updated), 0o644))

	e := nextEvent(t, w)
	for e.Type == Invalid {
		e = nextEvent(t, w)
	}
	require.Equal(t, Updated, e.Type)
	require.False(t, e.Config.Spec.Device.Cleanup)

	require.NoError(t, os.Remove(file))
	e = nextEvent(t, w)
	require.Equal(t, Deleted, e.Type)
}
