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
	"context"
	"errors"
	"fmt"

	"github.com/containers/pnm-resmgr/pkg/pnm"
)

// Status is the status of a response. Zero means success, negative
// values identify the error.
type Status int32

const (
	StatusOK              Status = 0
	StatusInvalidSize     Status = -1
	StatusInvalidArgument Status = -2
	StatusOutOfMemory     Status = -3
	StatusNotFound        Status = -4
	StatusAlreadyShared   Status = -5
	StatusBusy            Status = -6
	StatusTimeout         Status = -7
	StatusInvalidMask     Status = -8
	StatusInUse           Status = -9
	StatusInternal        Status = -10
	StatusUnknownOp       Status = -11
	StatusCanceled        Status = -12
)

// ErrUnknownOp is the error for requests with an unknown operation.
var ErrUnknownOp = errors.New("transport: unknown operation")

var statusErrors = []struct {
	status Status
	err    error
}{
	{StatusInvalidSize, pnm.ErrInvalidSize},
	{StatusInvalidArgument, pnm.ErrInvalidArgument},
	{StatusOutOfMemory, pnm.ErrOutOfMemory},
	{StatusNotFound, pnm.ErrNotFound},
	{StatusAlreadyShared, pnm.ErrAlreadyShared},
	{StatusBusy, pnm.ErrBusy},
	{StatusTimeout, pnm.ErrTimeout},
	{StatusInvalidMask, pnm.ErrInvalidMask},
	{StatusInUse, pnm.ErrInUse},
	{StatusInternal, pnm.ErrInternal},
	{StatusUnknownOp, ErrUnknownOp},
	{StatusCanceled, context.Canceled},
}

// StatusFor returns the status for an error.
func StatusFor(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusCanceled
	}
	return StatusInternal
}

// ErrorFor returns the error for a status.
func ErrorFor(status Status) error {
	if status == StatusOK {
		return nil
	}
	for _, se := range statusErrors {
		if se.status == status {
			return se.err
		}
	}
	return fmt.Errorf("%w: unknown status %d", pnm.ErrInternal, status)
}

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return ErrorFor(s).Error()
}
