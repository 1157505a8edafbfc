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
	"fmt"
	"net"
	"sync"

	"github.com/containers/pnm-resmgr/pkg/pnm"
	"github.com/containers/pnm-resmgr/pkg/pnm/shared"
)

// Client is a connection to the resource manager. Each client holds one
// handle to the session of its process. Requests are serialized.
type Client struct {
	lock sync.Mutex
	conn net.Conn
}

// Dial connects to the resource manager listening on the given socket.
func Dial(ctx context.Context, socket string) (*Client, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, transportError("failed to connect to %s: %w", socket, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient creates a client using an already established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Close closes the client, dropping its session handle.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends a request and waits for its response. A response with a
// non-zero status is returned together with the corresponding error.
func (c *Client) Do(req *Request) (*Response, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := WriteRequest(c.conn, req); err != nil {
		return nil, transportError("failed to send %s request: %w", req.Op, err)
	}

	rsp := &Response{}
	if err := ReadResponse(c.conn, rsp); err != nil {
		return nil, transportError("failed to receive %s response: %w", req.Op, err)
	}

	if err := ErrorFor(rsp.Status); err != nil {
		return rsp, fmt.Errorf("%s failed: %w", req.Op, err)
	}

	return rsp, nil
}

// Nop sends a request which does nothing.
func (c *Client) Nop() error {
	_, err := c.Do(&Request{Op: OpNop})
	return err
}

// Allocate allocates size bytes from the given pool, optionally also
// making the allocation shared.
func (c *Client) Allocate(pool pnm.PoolID, size uint64, global bool) (pnm.Allocation, error) {
	req := &Request{Op: OpAllocate, Pool: uint8(pool), Size: size}
	if global {
		req.Global = 1
	}
	rsp, err := c.Do(req)
	if err != nil {
		return pnm.Allocation{}, err
	}
	return rsp.allocation(global), nil
}

// Deallocate frees an allocation.
func (c *Client) Deallocate(a pnm.Allocation) error {
	_, err := c.Do(&Request{Op: OpDeallocate, Pool: uint8(a.Pool), Addr: a.Addr, Size: a.Size})
	return err
}

// MakeShared makes an allocation shared, returning its key.
func (c *Client) MakeShared(a pnm.Allocation) (shared.Key, error) {
	rsp, err := c.Do(&Request{Op: OpMakeShared, Pool: uint8(a.Pool), Addr: a.Addr, Size: a.Size})
	if err != nil {
		return shared.Key{}, err
	}
	return shared.KeyFor(rsp.allocation(true)), nil
}

// GetShared attaches to a shared allocation.
func (c *Client) GetShared(key shared.Key) (pnm.Allocation, error) {
	rsp, err := c.Do(&Request{Op: OpGetShared, Pool: uint8(key.Pool), Addr: key.Addr, Size: key.Size})
	if err != nil {
		return pnm.Allocation{}, err
	}
	return rsp.allocation(true), nil
}

// AcquireUnit acquires an execution unit among the given ones.
func (c *Client) AcquireUnit(mask pnm.UnitMask) (pnm.UnitID, error) {
	rsp, err := c.Do(&Request{Op: OpAcquireUnit, Mask: uint64(mask)})
	if err != nil {
		return 0, err
	}
	return pnm.UnitID(rsp.Unit), nil
}

// ReleaseUnit releases an execution unit.
func (c *Client) ReleaseUnit(id pnm.UnitID) error {
	_, err := c.Do(&Request{Op: OpReleaseUnit, Unit: uint32(id)})
	return err
}

func (rsp *Response) allocation(global bool) pnm.Allocation {
	return pnm.Allocation{
		Pool:   pnm.PoolID(rsp.Pool),
		Addr:   rsp.Addr,
		Size:   rsp.Size,
		Global: global,
	}
}
