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

package device

import (
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Config describes the managed device. Unset fields take their values
// from the default profile of the device class.
type Config struct {
	// Class is the device class.
	// +kubebuilder:validation:Enum=sls;imdb
	Class string `json:"class"`
	// Pools lists the memory pools explicitly. It overrides PoolCount
	// and PoolSize.
	// +optional
	Pools []Pool `json:"pools,omitempty"`
	// PoolCount is the number of equally sized pools.
	// +optional
	PoolCount int `json:"poolCount,omitempty"`
	// PoolSize is the size of each pool when PoolCount is used.
	// +optional
	PoolSize *resource.Quantity `json:"poolSize,omitempty"`
	// Granularity is the allocation block size.
	// +optional
	Granularity *resource.Quantity `json:"granularity,omitempty"`
	// Alignment is the alignment of allocations in force-aligned mode.
	// +optional
	Alignment *resource.Quantity `json:"alignment,omitempty"`
	// ForceAligned rounds every allocation up to Alignment.
	// +optional
	ForceAligned *bool `json:"forceAligned,omitempty"`
	// FitPolicy selects the free extent for an allocation.
	// +optional
	// +kubebuilder:validation:Enum=first-fit;best-fit
	FitPolicy string `json:"fitPolicy,omitempty"`
	// Units is the number of execution units.
	// +optional
	Units int `json:"units,omitempty"`
	// AcquireTimeout bounds how long an acquisition waits for a free unit.
	// A negative duration waits forever, zero never waits.
	// +optional
	AcquireTimeout *metav1.Duration `json:"acquireTimeout,omitempty"`
	// Cleanup reclaims the resources of abandoned sessions right away.
	// Otherwise they are tracked as leaked until cleanup is enabled.
	// +optional
	Cleanup bool `json:"cleanup,omitempty"`
	// ReclaimPolicy tells what to do with resources that fail to be
	// reclaimed: drop them or retain them for another attempt.
	// +optional
	// +kubebuilder:validation:Enum=drop;retain
	ReclaimPolicy string `json:"reclaimPolicy,omitempty"`
	// Assertions makes internal consistency violations fatal.
	// +optional
	Assertions bool `json:"assertions,omitempty"`
}

// Pool describes a single memory pool.
type Pool struct {
	// +optional
	Base *resource.Quantity `json:"base,omitempty"`
	Size resource.Quantity  `json:"size"`
}
