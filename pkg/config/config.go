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

package config

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1"
	"github.com/containers/pnm-resmgr/pkg/pnm/device"
)

// Load reads and parses the configuration file.
func Load(file string) (*cfgapi.ResourceManagerConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration %s", file)
	}
	return Parse(data, file)
}

// Parse parses configuration data read from source.
func Parse(data []byte, source string) (*cfgapi.ResourceManagerConfig, error) {
	cfg := &cfgapi.ResourceManagerConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration %s", source)
	}

	if err := validate(cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %s", source)
	}

	return cfg, nil
}

func validate(cfg *cfgapi.ResourceManagerConfig) error {
	if v := cfg.APIVersion; v != "" && v != cfgapi.APIVersion {
		return errors.Errorf("unsupported apiVersion %q, expected %q", v, cfgapi.APIVersion)
	}
	if k := cfg.Kind; k != "" && k != cfgapi.Kind {
		return errors.Errorf("unsupported kind %q, expected %q", k, cfgapi.Kind)
	}

	if cfg.Spec.Device.Class == "" {
		return errors.New("missing device class")
	}
	if _, err := device.ParseClass(cfg.Spec.Device.Class); err != nil {
		return err
	}

	return nil
}
