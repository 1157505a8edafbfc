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

package alloc

import (
	"fmt"

	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/pnm"
)

var (
	log     = logger.Get("pnm-alloc")
	details = logger.Get("pnm-alloc-details")
)

// DumpConfig logs the configuration of the allocator.
func (a *Allocator) DumpConfig(context ...interface{}) {
	prefix := formatPrefix(context...)
	log.Info("%sdevice memory allocator configuration", prefix)
	log.Info("%s  granularity %s, alignment %s (force-aligned: %v), %s",
		prefix, pnm.PrettySize(a.granularity), pnm.PrettySize(a.alignment),
		a.forceAligned, a.fit)
	for _, p := range a.pools {
		log.Info("%s  %s: base 0x%x, size %s (%d blocks)", prefix,
			p.id, p.base, pnm.PrettySize(p.size), p.nblocks)
	}
}

// DumpState logs the current state of the allocator at debug level.
func (a *Allocator) DumpState(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)
	for _, p := range a.pools {
		details.Debug("%s  %s: free %s of %s, largest free extent %s", prefix,
			p.id, pnm.PrettySize(p.free), pnm.PrettySize(p.size),
			pnm.PrettySize(p.largestFree()))
		for _, al := range p.allocations() {
			details.Debug("%s    - %s", prefix, al)
		}
	}
}

func formatPrefix(args ...interface{}) string {
	if len(args) == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%(!pnm-alloc:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
