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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/device"
	"github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/log"
	"github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/transport"
)

const (
	// APIVersion is the API version of the configuration.
	APIVersion = "config.pnm.resmgr/v1alpha1"
	// Kind is the kind of the configuration object.
	Kind = "ResourceManagerConfig"
)

// ResourceManagerConfig is the configuration of a PNM resource manager.
type ResourceManagerConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ResourceManagerConfigSpec `json:"spec"`
}

// ResourceManagerConfigSpec describes the managed device and the surfaces
// the resource manager exposes.
type ResourceManagerConfigSpec struct {
	// Device describes the managed device and its resource policies.
	Device device.Config `json:"device"`
	// +optional
	Transport transport.Config `json:"transport,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
}

// NewConfig returns a configuration for the given device class with
// default client socket and HTTP endpoint, and everything else left to
// defaults.
func NewConfig(class string) *ResourceManagerConfig {
	return &ResourceManagerConfig{
		TypeMeta: metav1.TypeMeta{
			APIVersion: APIVersion,
			Kind:       Kind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name: "default",
		},
		Spec: ResourceManagerConfigSpec{
			Device: device.Config{
				Class: class,
			},
			Transport: transport.Config{
				Socket: transport.DefaultSocket,
			},
			Instrumentation: instrumentation.Config{
				HTTPEndpoint:     instrumentation.DefaultHTTPEndpoint,
				PrometheusExport: true,
			},
		},
	}
}
