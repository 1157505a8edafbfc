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

package admin_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/containers/pnm-resmgr/pkg/pnm/alloc"
	"github.com/containers/pnm-resmgr/pkg/pnm/device"
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
	"github.com/containers/pnm-resmgr/pkg/pnm/sched"
	"github.com/containers/pnm-resmgr/pkg/resmgr"
	. "github.com/containers/pnm-resmgr/pkg/resmgr/admin"
)

func setup(t *testing.T) (*resmgr.ResourceManager, *gin.Engine) {
	gin.SetMode(gin.TestMode)

	p, err := device.DefaultProfile(device.ClassSLS)
	require.NoError(t, err)
	p.Granularity = 64
	p.Alignment = 64
	p.Units = 2
	p.AcquireTimeout = sched.Forever
	p.Pools = []alloc.PoolConfig{{Size: 1024}}

	rm, err := resmgr.New(p)
	require.NoError(t, err)

	r := gin.New()
	New(rm).Setup(r)

	return rm, r
}

func do(t *testing.T, r http.Handler, method, path, body string, obj interface{}) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, Prefix+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, Prefix+path, nil)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if obj != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), obj), "response %q", rec.Body.String())
	}

	return rec
}

func TestStatus(t *testing.T) {
	rm, r := setup(t)

	h, err := rm.Open("pid:1")
	require.NoError(t, err)
	_, err = rm.Allocate(h.ID(), 0, 64)
	require.NoError(t, err)

	st := resmgr.Status{}
	rec := do(t, r, http.MethodGet, "/status", "", &st)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	require.Equal(t, device.ClassSLS, st.Class)
	require.Equal(t, uint64(1024), st.MemorySize)
	require.Equal(t, uint64(1024-64), st.FreeSize)
	require.Equal(t, 1, st.Sessions)

	pools := []alloc.PoolInfo{}
	rec = do(t, r, http.MethodGet, "/pools", "", &pools)
	require.Equal(t, "1", rec.Header().Get("X-Total-Count"))
	require.Equal(t, 1, pools[0].Allocations)

	units := []sched.UnitInfo{}
	do(t, r, http.MethodGet, "/units", "", &units)
	require.Len(t, units, 2)

	sessions := []procmgr.SessionInfo{}
	do(t, r, http.MethodGet, "/sessions", "", &sessions)
	require.Len(t, sessions, 1)
	require.Equal(t, procmgr.ClientKey("pid:1"), sessions[0].Client)
}

func TestRequestID(t *testing.T) {
	_, r := setup(t)

	req := httptest.NewRequest(http.MethodGet, Prefix+"/units", nil)
	req.Header.Set(RequestIDHeader, "test-request")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, "test-request", rec.Header().Get(RequestIDHeader))
}

func TestCleanup(t *testing.T) {
	rm, r := setup(t)

	h, err := rm.Open("pid:1")
	require.NoError(t, err)
	_, err = rm.Allocate(h.ID(), 0, 128)
	require.NoError(t, err)
	_, err = rm.Close(h)
	require.NoError(t, err)

	cleanup := &Cleanup{}
	do(t, r, http.MethodGet, "/cleanup", "", cleanup)
	require.Equal(t, &Cleanup{Enabled: false, Leaked: 1}, cleanup)

	leaked := []procmgr.SessionInfo{}
	do(t, r, http.MethodGet, "/leaked", "", &leaked)
	require.Len(t, leaked, 1)

	rec := do(t, r, http.MethodPut, "/cleanup", `{"enabled": true}`, cleanup)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, &Cleanup{Enabled: true, Leaked: 0}, cleanup)
	require.Equal(t, uint64(1024), rm.Snapshot().FreeSize)

	rec = do(t, r, http.MethodPut, "/cleanup", `{"enabled": `, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKnobs(t *testing.T) {
	type testCase struct {
		name   string
		method string
		path   string
		body   string
		code   int
		check  func(*testing.T, *resmgr.ResourceManager)
	}
	for _, tc := range []*testCase{
		{
			name:   "set reclaim policy",
			method: http.MethodPut,
			path:   "/reclaim-policy",
			body:   `{"policy": "retain"}`,
			code:   http.StatusOK,
			check: func(t *testing.T, rm *resmgr.ResourceManager) {
				require.Equal(t, "retain", rm.Snapshot().ReclaimPolicy)
			},
		},
		{
			name:   "invalid reclaim policy",
			method: http.MethodPut,
			path:   "/reclaim-policy",
			body:   `{"policy": "keep-forever"}`,
			code:   http.StatusBadRequest,
		},
		{
			name:   "set acquire timeout",
			method: http.MethodPut,
			path:   "/acquire-timeout",
			body:   `{"timeout": "250ms"}`,
			code:   http.StatusOK,
			check: func(t *testing.T, rm *resmgr.ResourceManager) {
				require.Equal(t, 250*time.Millisecond, rm.AcquireTimeout())
			},
		},
		{
			name:   "invalid acquire timeout",
			method: http.MethodPut,
			path:   "/acquire-timeout",
			body:   `{"timeout": "soon"}`,
			code:   http.StatusBadRequest,
		},
		{
			name:   "set force-aligned",
			method: http.MethodPut,
			path:   "/force-aligned",
			body:   `{"enabled": true}`,
			code:   http.StatusOK,
			check: func(t *testing.T, rm *resmgr.ResourceManager) {
				require.True(t, rm.Snapshot().ForceAligned)
			},
		},
		{
			name:   "reset",
			method: http.MethodPost,
			path:   "/reset",
			code:   http.StatusOK,
		},
		{
			name:   "reset with invalid force",
			method: http.MethodPost,
			path:   "/reset?force=maybe",
			code:   http.StatusBadRequest,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rm, r := setup(t)
			rec := do(t, r, tc.method, tc.path, tc.body, nil)
			require.Equal(t, tc.code, rec.Code, "response %q", rec.Body.String())
			if tc.check != nil {
				tc.check(t, rm)
			}
		})
	}
}

func TestResetInUse(t *testing.T) {
	rm, r := setup(t)

	h, err := rm.Open("pid:1")
	require.NoError(t, err)
	_, err = rm.Allocate(h.ID(), 0, 64)
	require.NoError(t, err)

	rec := do(t, r, http.MethodPost, "/reset", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	e := &Error{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), e))
	require.NotEmpty(t, e.Error)
	require.Equal(t, rec.Header().Get(RequestIDHeader), e.RequestID)

	st := resmgr.Status{}
	rec = do(t, r, http.MethodPost, "/reset?force=true", "", &st)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(1024), st.FreeSize)
}
