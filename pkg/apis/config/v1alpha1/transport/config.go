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

package transport

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Config is the configuration of the client request transport.
type Config struct {
	// Socket is the path of the unix domain socket clients connect to.
	// +optional
	// +kubebuilder:default="/run/pnm/resmgr.sock"
	Socket string `json:"socket,omitempty"`
	// RequestRate limits the number of requests per second a single
	// connection can make. Zero disables rate limiting.
	// +optional
	RequestRate float64 `json:"requestRate,omitempty"`
	// RequestBurst is the burst size allowed on top of RequestRate.
	// +optional
	RequestBurst int `json:"requestBurst,omitempty"`
	// MaxAcquireWait caps how long a remote acquisition may block,
	// regardless of the device acquisition timeout. A device timeout of
	// forever is capped too.
	// +optional
	// +kubebuilder:default="5s"
	MaxAcquireWait *metav1.Duration `json:"maxAcquireWait,omitempty"`
	// SessionPerConnection gives each connection a session of its own
	// instead of sharing one session among all connections of a process.
	// +optional
	SessionPerConnection bool `json:"sessionPerConnection,omitempty"`
}

const (
	// DefaultSocket is the default socket path.
	DefaultSocket = "/run/pnm/resmgr.sock"
	// DefaultMaxAcquireWait is the default cap for remote acquisitions.
	DefaultMaxAcquireWait = 5 * time.Second
)
