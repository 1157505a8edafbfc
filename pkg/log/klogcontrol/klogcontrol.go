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

package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/log/klogcontrol"
	"k8s.io/klog/v2"
)

// Control implements runtime control for klog.
type Control struct {
	*flag.FlagSet
}

var ctl = &Control{FlagSet: flag.NewFlagSet("klog flags", flag.ContinueOnError)}

// Get returns the klog Control instance.
func Get() *Control {
	return ctl
}

// Configure klog according to the given configuration.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error
	c.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("klogcontrol: failed to set flag %s to %s: %w",
				f.Name, value, err))
		}
	})
	return errors.Join(errs...)
}

// envForFlag returns the environment variable name for a klog flag.
func envForFlag(name string) string {
	return "LOGGER_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func init() {
	ctl.SetOutput(io.Discard)
	klog.InitFlags(ctl.FlagSet)

	ctl.VisitAll(func(f *flag.Flag) {
		env := envForFlag(f.Name)
		value, ok := os.LookupEnv(env)
		if !ok {
			// headers are redundant in the journal
			if f.Name == "skip_headers" && os.Getenv("JOURNAL_STREAM") != "" {
				_ = ctl.Set(f.Name, "true")
			}
			return
		}
		if err := ctl.Set(f.Name, value); err != nil {
			klog.Errorf("klog flag %q: invalid environment default %s=%q: %v",
				f.Name, env, value, err)
		}
	})
}
