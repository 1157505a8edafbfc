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

import "strconv"

// Config represents the runtime configurable subset of klog flags. Unset
// fields leave the corresponding flag untouched.
type Config struct {
	// Logtostderr makes klog log to stderr instead of files.
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// Alsologtostderr makes klog log to stderr in addition to files.
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// Skip_headers turns off the klog header prefix of log messages.
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// Stderrthreshold is the severity at or above which logs go to stderr.
	// +optional
	Stderrthreshold *string `json:"stderrthreshold,omitempty"`
	// V is the klog verbosity level.
	// +optional
	V *int `json:"v,omitempty"`
	// Vmodule is a per-file verbosity setting.
	// +optional
	Vmodule *string `json:"vmodule,omitempty"`
	// Log_file is the file to log to, if logging to files.
	// +optional
	Log_file *string `json:"log_file,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag, if any.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	switch name {
	case "logtostderr":
		return fmtBool(c.Logtostderr)
	case "alsologtostderr":
		return fmtBool(c.Alsologtostderr)
	case "skip_headers":
		return fmtBool(c.Skip_headers)
	case "stderrthreshold":
		return fmtString(c.Stderrthreshold)
	case "v":
		if c.V == nil {
			return "", false
		}
		return strconv.Itoa(*c.V), true
	case "vmodule":
		return fmtString(c.Vmodule)
	case "log_file":
		return fmtString(c.Log_file)
	}

	return "", false
}

func fmtBool(b *bool) (string, bool) {
	if b == nil {
		return "", false
	}
	return strconv.FormatBool(*b), true
}

func fmtString(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	return *s, true
}
