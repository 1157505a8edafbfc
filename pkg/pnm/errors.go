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

package pnm

import (
	"fmt"
	"sync/atomic"
)

var (
	ErrInvalidSize     = fmt.Errorf("pnm: invalid size")
	ErrInvalidArgument = fmt.Errorf("pnm: invalid argument")
	ErrOutOfMemory     = fmt.Errorf("pnm: out of device memory")
	ErrNotFound        = fmt.Errorf("pnm: not found")
	ErrAlreadyShared   = fmt.Errorf("pnm: allocation already shared")
	ErrBusy            = fmt.Errorf("pnm: no execution unit available")
	ErrTimeout         = fmt.Errorf("pnm: timed out waiting for execution unit")
	ErrInvalidMask     = fmt.Errorf("pnm: invalid execution unit mask")
	ErrInUse           = fmt.Errorf("pnm: resources in use")
	ErrFailedOption    = fmt.Errorf("pnm: failed to apply option")
	ErrInternal        = fmt.Errorf("pnm: internal error")
)

var (
	assertions atomic.Bool
)

// EnableAssertions turns internal consistency assertions into panics.
// With assertions disabled violations are only logged.
func EnableAssertions(enable bool) bool {
	return assertions.Swap(enable)
}

// AssertionsEnabled returns true if assertion failures panic.
func AssertionsEnabled() bool {
	return assertions.Load()
}

// Assert checks an internal invariant. On failure it logs an internal error,
// panics if assertions are enabled, and otherwise returns an error wrapping
// ErrInternal.
func Assert(cond bool, format string, args ...interface{}) error {
	if cond {
		return nil
	}

	err := fmt.Errorf("%w: "+format, append([]interface{}{ErrInternal}, args...)...)
	log.Error("%v", err)

	if assertions.Load() {
		panic(err)
	}

	return err
}
