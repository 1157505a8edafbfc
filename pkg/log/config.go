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

package log

import (
	"os"
	"sort"
	"strings"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/log"
	"github.com/containers/pnm-resmgr/pkg/log/klogcontrol"
	"github.com/containers/pnm-resmgr/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar is the environment variable used to seed source logging.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// srcmap tracks debugging settings for sources. The key "*" acts as
// a wildcard for sources without an explicit setting.
type srcmap map[string]bool

var (
	klogctl = klogcontrol.Get()
)

// parse parses a comma-separated list of [state:]source entries into the
// srcmap. A state applies to all subsequent entries until the next state.
func (m srcmap) parse(value string) error {
	state := "on"
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if s, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid state spec '%s' in source map", entry)
			}
			state, src = strings.TrimSpace(s), strings.TrimSpace(rest)
		}

		enabled, err := utils.ParseEnabled(state)
		if err != nil {
			return loggerError("invalid state '%s' in source map", state)
		}

		if src == "all" {
			src = "*"
		}
		m[src] = enabled
	}

	return nil
}

// enabled returns the debug state for the given source.
func (m srcmap) enabled(source string) bool {
	if state, ok := m[source]; ok {
		return state
	}
	return m["*"]
}

// String returns a string representation of the srcmap which parses back
// into the same map.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}

	return strings.Join(parts, ",")
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		cfg = &cfgapi.Config{}
	}

	deflog.Info("logger configuration update %+v", *cfg)

	debugFlags := make(srcmap)
	for _, value := range cfg.Debug {
		if err := debugFlags.parse(value); err != nil {
			deflog.Error("failed to parse debug setting %q: %v", value, err)
			return loggerError("failed to parse debug setting %q: %w", value, err)
		}
	}

	prefix := cfg.LogSource
	if cfg.Klog.Logtostderr != nil && *cfg.Klog.Logtostderr &&
		cfg.Klog.Skip_headers != nil && *cfg.Klog.Skip_headers {
		prefix = true
	}

	log.Lock()
	log.setDbgMap(debugFlags)
	log.setPrefix(prefix)
	log.Unlock()

	return klogctl.Configure(&cfg.Klog)
}

// Initialize debug logging from the environment.
func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}

	if value, ok := os.LookupEnv(debugEnvVar); ok {
		debugFlags := make(srcmap)
		if err := debugFlags.parse(value); err != nil {
			deflog.Error("failed to parse $%s %q: %v", debugEnvVar, value, err)
		} else {
			cfg.Debug = []string{debugFlags.String()}
		}
	}

	if err := Configure(cfg); err != nil {
		deflog.Error("initial logging configuration failed: %v", err)
	}
}
