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
	"encoding/binary"
	"fmt"
	"io"
)

// Op is the operation of a request.
type Op uint32

const (
	OpNop Op = iota
	OpAllocate
	OpDeallocate
	OpMakeShared
	OpGetShared
	OpAcquireUnit
	OpReleaseUnit
	numOps
)

var opNames = map[Op]string{
	OpNop:         "NOP",
	OpAllocate:    "ALLOCATE",
	OpDeallocate:  "DEALLOCATE",
	OpMakeShared:  "MAKE_SHARED",
	OpGetShared:   "GET_SHARED",
	OpAcquireUnit: "ACQUIRE_UNIT",
	OpReleaseUnit: "RELEASE_UNIT",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP#%d", uint32(op))
}

// Request is a single client request. Requests are encoded as fixed-size
// little-endian records of RequestSize bytes.
type Request struct {
	Op     Op
	Pool   uint8
	Global uint8
	_      uint16
	Mask   uint64
	Addr   uint64
	Size   uint64
	Unit   uint32
	_      uint32
}

// Response is the reply to a single request, encoded as a fixed-size
// little-endian record of ResponseSize bytes.
type Response struct {
	Status Status
	Unit   uint32
	Pool   uint8
	_      [7]uint8
	Addr   uint64
	Size   uint64
}

const (
	// RequestSize is the encoded size of a Request.
	RequestSize = 40
	// ResponseSize is the encoded size of a Response.
	ResponseSize = 32
)

var byteOrder = binary.LittleEndian

// ReadRequest reads a single request.
func ReadRequest(r io.Reader, req *Request) error {
	return binary.Read(r, byteOrder, req)
}

// WriteRequest writes a single request.
func WriteRequest(w io.Writer, req *Request) error {
	return binary.Write(w, byteOrder, req)
}

// ReadResponse reads a single response.
func ReadResponse(r io.Reader, rsp *Response) error {
	return binary.Read(r, byteOrder, rsp)
}

// WriteResponse writes a single response.
func WriteResponse(w io.Writer, rsp *Response) error {
	return binary.Write(w, byteOrder, rsp)
}

func (req *Request) String() string {
	switch req.Op {
	case OpAllocate:
		return fmt.Sprintf("%s{pool: %d, size: %d, global: %v}", req.Op, req.Pool, req.Size, req.Global != 0)
	case OpDeallocate, OpMakeShared, OpGetShared:
		return fmt.Sprintf("%s{pool: %d, addr: 0x%x, size: %d}", req.Op, req.Pool, req.Addr, req.Size)
	case OpAcquireUnit:
		return fmt.Sprintf("%s{mask: 0x%x}", req.Op, req.Mask)
	case OpReleaseUnit:
		return fmt.Sprintf("%s{unit: %d}", req.Op, req.Unit)
	}
	return req.Op.String()
}
