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

// Package pnm contains the types shared by the processing-near-memory
// device resource manager: pool, unit and session identifiers, device
// memory allocations, execution unit masks and the error taxonomy used
// by the allocator, the unit scheduler, the shared allocation registry
// and the session manager.
//
// The resource manager itself is assembled from these parts by package
// resmgr. Every part is an explicitly constructed instance; there is no
// package-level state besides loggers.
package pnm
