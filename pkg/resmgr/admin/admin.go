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
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/pnm"
	"github.com/containers/pnm-resmgr/pkg/pnm/alloc"
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
	"github.com/containers/pnm-resmgr/pkg/pnm/sched"
	"github.com/containers/pnm-resmgr/pkg/pnm/shared"
	"github.com/containers/pnm-resmgr/pkg/resmgr"
)

const (
	// Prefix is the path prefix of the admin API.
	Prefix = "/api/v1"
	// RequestIDHeader is the header carrying the ID of a request.
	RequestIDHeader = "X-Request-ID"

	requestIDKey = "request-id"
)

// Backend is the resource manager interface exposed by the admin API.
type Backend interface {
	Snapshot() resmgr.Status
	Pools() []alloc.PoolInfo
	Units() []sched.UnitInfo
	Sessions() []procmgr.SessionInfo
	LeakedSessions() []procmgr.SessionInfo
	SharedAllocations() []shared.Entry
	EnableCleanup() error
	DisableCleanup()
	CleanupEnabled() bool
	SetReclaimPolicy(procmgr.ReclaimPolicy) error
	SetAcquireTimeout(time.Duration)
	AcquireTimeout() time.Duration
	SetForceAligned(bool)
	Reset(force bool) error
}

// Cleanup is the state of leaked session cleanup.
type Cleanup struct {
	Enabled bool `json:"enabled"`
	Leaked  int  `json:"leaked"`
}

// ReclaimPolicy is the policy for sessions which fail to be reclaimed.
type ReclaimPolicy struct {
	Policy string `json:"policy"`
}

// AcquireTimeout is the default execution unit acquisition timeout. A
// negative timeout waits forever.
type AcquireTimeout struct {
	Timeout metav1.Duration `json:"timeout"`
}

// ForceAligned is the state of force-aligned allocation.
type ForceAligned struct {
	Enabled bool `json:"enabled"`
}

// Error is the body of a failed request.
type Error struct {
	Error     string `json:"error"`
	RequestID string `json:"requestID,omitempty"`
}

// Admin serves the admin API of a resource manager.
type Admin struct {
	backend Backend
}

var (
	log = logger.Get("admin")
)

// New creates the admin API for the given backend.
func New(backend Backend) *Admin {
	return &Admin{backend: backend}
}

// Setup registers the admin API routes.
func (a *Admin) Setup(r gin.IRouter) {
	api := r.Group(Prefix, RequestID())

	api.GET("/status", a.getStatus)
	api.GET("/pools", a.getPools)
	api.GET("/units", a.getUnits)
	api.GET("/sessions", a.getSessions)
	api.GET("/leaked", a.getLeaked)
	api.GET("/shared", a.getShared)
	api.GET("/cleanup", a.getCleanup)
	api.PUT("/cleanup", a.putCleanup)
	api.GET("/reclaim-policy", a.getReclaimPolicy)
	api.PUT("/reclaim-policy", a.putReclaimPolicy)
	api.GET("/acquire-timeout", a.getAcquireTimeout)
	api.PUT("/acquire-timeout", a.putAcquireTimeout)
	api.GET("/force-aligned", a.getForceAligned)
	api.PUT("/force-aligned", a.putForceAligned)
	api.POST("/reset", a.postReset)
}

// RequestID makes sure every request carries an ID, generating one if
// the client did not supply a usable one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if l := len(id); l < 1 || l > 64 {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Set(requestIDKey, id)
		c.Next()
	}
}

func (a *Admin) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.backend.Snapshot())
}

func (a *Admin) getPools(c *gin.Context) {
	pools := a.backend.Pools()
	c.Header("X-Total-Count", strconv.Itoa(len(pools)))
	c.JSON(http.StatusOK, pools)
}

func (a *Admin) getUnits(c *gin.Context) {
	units := a.backend.Units()
	c.Header("X-Total-Count", strconv.Itoa(len(units)))
	c.JSON(http.StatusOK, units)
}

func (a *Admin) getSessions(c *gin.Context) {
	sessions := a.backend.Sessions()
	c.Header("X-Total-Count", strconv.Itoa(len(sessions)))
	c.JSON(http.StatusOK, sessions)
}

func (a *Admin) getLeaked(c *gin.Context) {
	leaked := a.backend.LeakedSessions()
	c.Header("X-Total-Count", strconv.Itoa(len(leaked)))
	c.JSON(http.StatusOK, leaked)
}

func (a *Admin) getShared(c *gin.Context) {
	entries := a.backend.SharedAllocations()
	c.Header("X-Total-Count", strconv.Itoa(len(entries)))
	c.JSON(http.StatusOK, entries)
}

func (a *Admin) getCleanup(c *gin.Context) {
	c.JSON(http.StatusOK, a.cleanup())
}

func (a *Admin) putCleanup(c *gin.Context) {
	req := &Cleanup{}
	if !a.bind(c, req) {
		return
	}

	if req.Enabled {
		if err := a.backend.EnableCleanup(); err != nil {
			a.fail(c, err)
			return
		}
	} else {
		a.backend.DisableCleanup()
	}

	log.Info("%s: cleanup of leaked sessions set to %v", requestID(c), req.Enabled)
	c.JSON(http.StatusOK, a.cleanup())
}

func (a *Admin) cleanup() *Cleanup {
	return &Cleanup{
		Enabled: a.backend.CleanupEnabled(),
		Leaked:  len(a.backend.LeakedSessions()),
	}
}

func (a *Admin) getReclaimPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, &ReclaimPolicy{Policy: a.backend.Snapshot().ReclaimPolicy})
}

func (a *Admin) putReclaimPolicy(c *gin.Context) {
	req := &ReclaimPolicy{}
	if !a.bind(c, req) {
		return
	}

	policy, err := procmgr.ParseReclaimPolicy(req.Policy)
	if err != nil {
		a.fail(c, err)
		return
	}
	if err := a.backend.SetReclaimPolicy(policy); err != nil {
		a.fail(c, err)
		return
	}

	log.Info("%s: reclaim policy set to %s", requestID(c), policy)
	c.JSON(http.StatusOK, &ReclaimPolicy{Policy: policy.String()})
}

func (a *Admin) getAcquireTimeout(c *gin.Context) {
	c.JSON(http.StatusOK, &AcquireTimeout{
		Timeout: metav1.Duration{Duration: a.backend.AcquireTimeout()},
	})
}

func (a *Admin) putAcquireTimeout(c *gin.Context) {
	req := &AcquireTimeout{}
	if !a.bind(c, req) {
		return
	}

	a.backend.SetAcquireTimeout(req.Timeout.Duration)

	log.Info("%s: acquisition timeout set to %s", requestID(c), req.Timeout.Duration)
	c.JSON(http.StatusOK, &AcquireTimeout{
		Timeout: metav1.Duration{Duration: a.backend.AcquireTimeout()},
	})
}

func (a *Admin) getForceAligned(c *gin.Context) {
	c.JSON(http.StatusOK, &ForceAligned{Enabled: a.backend.Snapshot().ForceAligned})
}

func (a *Admin) putForceAligned(c *gin.Context) {
	req := &ForceAligned{}
	if !a.bind(c, req) {
		return
	}

	a.backend.SetForceAligned(req.Enabled)

	log.Info("%s: force-aligned allocation set to %v", requestID(c), req.Enabled)
	c.JSON(http.StatusOK, req)
}

func (a *Admin) postReset(c *gin.Context) {
	force := false
	if value, ok := c.GetQuery("force"); ok {
		f, err := strconv.ParseBool(value)
		if err != nil {
			a.fail(c, errors.Join(pnm.ErrInvalidArgument, err))
			return
		}
		force = f
	}

	if err := a.backend.Reset(force); err != nil {
		a.fail(c, err)
		return
	}

	log.Warn("%s: device reset (forced: %v)", requestID(c), force)
	c.JSON(http.StatusOK, a.backend.Snapshot())
}

func (a *Admin) bind(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		a.fail(c, errors.Join(pnm.ErrInvalidArgument, err))
		return false
	}
	return true
}

func (a *Admin) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pnm.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, pnm.ErrInUse):
		code = http.StatusConflict
	}

	id := requestID(c)
	if code == http.StatusInternalServerError {
		log.Error("%s: %s %s failed: %v", id, c.Request.Method, c.Request.URL.Path, err)
	}

	_ = c.Error(err)
	c.JSON(code, &Error{Error: err.Error(), RequestID: id})
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
