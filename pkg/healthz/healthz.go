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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	logger "github.com/containers/pnm-resmgr/pkg/log"
)

var (
	// our logger instance
	log = logger.NewLogger("health-check")
)

// CheckFn checks the health of a single component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("status#%d", int(s))
}

// Checker is a set of named health checks.
type Checker struct {
	lock     sync.Mutex
	checkers map[string]CheckFn
	sorted   []string
}

// New creates a checker without any registered health checks.
func New() *Checker {
	return &Checker{
		checkers: map[string]CheckFn{},
	}
}

// Setup prepares the given router for serving /healthz.
func (c *Checker) Setup(r gin.IRoutes) {
	r.GET("/healthz", c.serve)
}

// serve serves a single HTTP request. Degraded components are reported
// but do not fail the check.
func (c *Checker) serve(ctx *gin.Context) {
	status, details := c.Check()
	if status != NonFunctional && len(details) == 0 {
		ctx.String(http.StatusOK, "ok")
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	msg := strings.Builder{}
	for _, name := range names {
		fmt.Fprintf(&msg, "%s: %v\n", name, details[name])
	}

	code := http.StatusOK
	if status == NonFunctional {
		code = http.StatusInternalServerError
	}
	ctx.String(code, "%s%s", status, "\n"+msg.String())
}

// Register registers the given health checker function.
func (c *Checker) Register(name string, fn CheckFn) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, conflict := c.checkers[name]; conflict {
		return fmt.Errorf("health checker %q already registered", name)
	}

	c.checkers[name] = fn
	c.sorted = append(c.sorted, name)
	sort.Strings(c.sorted)

	return nil
}

// Check runs all registered checks and returns the worst status with
// the details reported by unhealthy components.
func (c *Checker) Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	c.lock.Lock()
	defer c.lock.Unlock()

	for _, name := range c.sorted {
		if s, err := c.checkers[name](); s != Healthy {
			if s > status {
				status = s
			}
			if err == nil {
				err = fmt.Errorf("%s", s)
			}
			details[name] = err
			log.Warn("component %s reported %s: %v", name, s, err)
		}
	}

	return status, details
}
