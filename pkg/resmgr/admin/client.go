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

package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	model "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/pnm-resmgr/pkg/pnm/alloc"
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
	"github.com/containers/pnm-resmgr/pkg/pnm/sched"
	"github.com/containers/pnm-resmgr/pkg/pnm/shared"
	"github.com/containers/pnm-resmgr/pkg/resmgr"
)

// Client talks to the HTTP endpoint of a resource manager.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the HTTP endpoint at the given address.
func NewClient(address string, timeout time.Duration) *Client {
	base := strings.TrimSuffix(address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
	}
}

// Status returns the device status.
func (c *Client) Status(ctx context.Context) (*resmgr.Status, error) {
	st := &resmgr.Status{}
	return st, c.do(ctx, http.MethodGet, Prefix+"/status", nil, st)
}

// Pools returns the memory pools.
func (c *Client) Pools(ctx context.Context) ([]alloc.PoolInfo, error) {
	var pools []alloc.PoolInfo
	return pools, c.do(ctx, http.MethodGet, Prefix+"/pools", nil, &pools)
}

// Units returns the execution units.
func (c *Client) Units(ctx context.Context) ([]sched.UnitInfo, error) {
	var units []sched.UnitInfo
	return units, c.do(ctx, http.MethodGet, Prefix+"/units", nil, &units)
}

// Sessions returns the open sessions.
func (c *Client) Sessions(ctx context.Context) ([]procmgr.SessionInfo, error) {
	var sessions []procmgr.SessionInfo
	return sessions, c.do(ctx, http.MethodGet, Prefix+"/sessions", nil, &sessions)
}

// LeakedSessions returns the sessions tracked as leaked.
func (c *Client) LeakedSessions(ctx context.Context) ([]procmgr.SessionInfo, error) {
	var sessions []procmgr.SessionInfo
	return sessions, c.do(ctx, http.MethodGet, Prefix+"/leaked", nil, &sessions)
}

// SharedAllocations returns the shared allocations.
func (c *Client) SharedAllocations(ctx context.Context) ([]shared.Entry, error) {
	var entries []shared.Entry
	return entries, c.do(ctx, http.MethodGet, Prefix+"/shared", nil, &entries)
}

// Cleanup returns the state of leaked session cleanup.
func (c *Client) Cleanup(ctx context.Context) (*Cleanup, error) {
	rpl := &Cleanup{}
	return rpl, c.do(ctx, http.MethodGet, Prefix+"/cleanup", nil, rpl)
}

// SetCleanup enables or disables leaked session cleanup.
func (c *Client) SetCleanup(ctx context.Context, enabled bool) (*Cleanup, error) {
	rpl := &Cleanup{}
	return rpl, c.do(ctx, http.MethodPut, Prefix+"/cleanup", &Cleanup{Enabled: enabled}, rpl)
}

// ReclaimPolicy returns the reclaim policy.
func (c *Client) ReclaimPolicy(ctx context.Context) (string, error) {
	rpl := &ReclaimPolicy{}
	err := c.do(ctx, http.MethodGet, Prefix+"/reclaim-policy", nil, rpl)
	return rpl.Policy, err
}

// SetReclaimPolicy sets the reclaim policy.
func (c *Client) SetReclaimPolicy(ctx context.Context, policy string) (string, error) {
	rpl := &ReclaimPolicy{}
	err := c.do(ctx, http.MethodPut, Prefix+"/reclaim-policy", &ReclaimPolicy{Policy: policy}, rpl)
	return rpl.Policy, err
}

// AcquireTimeout returns the default execution unit acquisition timeout.
func (c *Client) AcquireTimeout(ctx context.Context) (time.Duration, error) {
	rpl := &AcquireTimeout{}
	err := c.do(ctx, http.MethodGet, Prefix+"/acquire-timeout", nil, rpl)
	return rpl.Timeout.Duration, err
}

// SetAcquireTimeout sets the default execution unit acquisition timeout.
func (c *Client) SetAcquireTimeout(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	req := &AcquireTimeout{Timeout: metav1.Duration{Duration: timeout}}
	rpl := &AcquireTimeout{}
	err := c.do(ctx, http.MethodPut, Prefix+"/acquire-timeout", req, rpl)
	return rpl.Timeout.Duration, err
}

// ForceAligned returns the state of force-aligned allocation.
func (c *Client) ForceAligned(ctx context.Context) (bool, error) {
	rpl := &ForceAligned{}
	err := c.do(ctx, http.MethodGet, Prefix+"/force-aligned", nil, rpl)
	return rpl.Enabled, err
}

// SetForceAligned turns force-aligned allocation on or off.
func (c *Client) SetForceAligned(ctx context.Context, enabled bool) (bool, error) {
	rpl := &ForceAligned{}
	err := c.do(ctx, http.MethodPut, Prefix+"/force-aligned", &ForceAligned{Enabled: enabled}, rpl)
	return rpl.Enabled, err
}

// Reset resets the device, returning its status after the reset.
func (c *Client) Reset(ctx context.Context, force bool) (*resmgr.Status, error) {
	st := &resmgr.Status{}
	path := Prefix + "/reset?force=" + strconv.FormatBool(force)
	return st, c.do(ctx, http.MethodPost, path, nil, st)
}

// Metrics fetches and parses the exported metrics, sorted by name.
func (c *Client) Metrics(ctx context.Context) ([]*model.MetricFamily, error) {
	rpl, err := c.request(ctx, http.MethodGet, "/metrics", nil)
	if err != nil {
		return nil, err
	}
	defer rpl.Body.Close()

	parser := expfmt.TextParser{}
	families, err := parser.TextToMetricFamilies(rpl.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]*model.MetricFamily, 0, len(names))
	for _, name := range names {
		result = append(result, families[name])
	}

	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, req, rpl interface{}) error {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	rsp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	return json.NewDecoder(rsp.Body).Decode(rpl)
}

func (c *Client) request(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if rsp.StatusCode != http.StatusOK {
		defer rsp.Body.Close()
		e := &Error{}
		if err := json.NewDecoder(rsp.Body).Decode(e); err != nil || e.Error == "" {
			return nil, fmt.Errorf("%s %s: %s", method, path, rsp.Status)
		}
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, rsp.Status, e.Error)
	}

	return rsp, nil
}
