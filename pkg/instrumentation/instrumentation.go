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

package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/pnm-resmgr/pkg/healthz"
	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/metrics"
)

const (
	// Namespace is our common prefix for exported metrics.
	Namespace = "pnm"
	// shutdownTimeout bounds how long Stop waits for pending requests.
	shutdownTimeout = 5 * time.Second
)

// Service is our HTTP endpoint for health checks, metrics and APIs.
type Service struct {
	sync.Mutex
	cfg      *cfgapi.Config
	metrics  *metrics.Registry
	health   *healthz.Checker
	apis     []func(gin.IRouter)
	srv      *http.Server
	addr     string
	gatherer *metrics.Gatherer
	done     chan struct{}
}

// Option is an option for the Service.
type Option func(*Service)

// WithMetrics sets the metrics registry to export.
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Service) {
		s.metrics = r
	}
}

// WithHealthChecker sets the health checker to serve.
func WithHealthChecker(c *healthz.Checker) Option {
	return func(s *Service) {
		s.health = c
	}
}

// WithAPI adds a function registering extra routes.
func WithAPI(setup func(gin.IRouter)) Option {
	return func(s *Service) {
		s.apis = append(s.apis, setup)
	}
}

var (
	log = logger.NewLogger("instrumentation")
)

// New creates instrumentation services with the given configuration.
func New(cfg *cfgapi.Config, options ...Option) *Service {
	s := &Service{
		cfg: configOrDefault(cfg),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Start starts our instrumentation services.
func (s *Service) Start() error {
	log.Info("starting instrumentation services...")

	s.Lock()
	defer s.Unlock()

	return s.start()
}

// Stop stops our instrumentation services.
func (s *Service) Stop() {
	s.Lock()
	defer s.Unlock()

	s.stop()
}

// Restart restarts our instrumentation services.
func (s *Service) Restart() error {
	s.Lock()
	defer s.Unlock()

	s.stop()

	err := s.start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// Reconfigure our instrumentation services.
func (s *Service) Reconfigure(cfg *cfgapi.Config) error {
	s.Lock()
	s.cfg = configOrDefault(cfg)
	s.Unlock()

	return s.Restart()
}

// Address returns the address the HTTP server listens on, if running.
func (s *Service) Address() string {
	s.Lock()
	defer s.Unlock()
	return s.addr
}

// Gatherer returns the active metrics gatherer, if any.
func (s *Service) Gatherer() *metrics.Gatherer {
	s.Lock()
	defer s.Unlock()
	return s.gatherer
}

func (s *Service) start() error {
	if s.cfg.HTTPEndpoint == "" {
		log.Info("HTTP server disabled")
		return nil
	}

	r := gin.New()
	r.Use(gin.Recovery())

	if s.health != nil {
		s.health.Setup(r)
	}

	if s.metrics != nil && s.cfg.PrometheusExport {
		enabled, polled := []string{"*"}, []string(nil)
		if m := s.cfg.Metrics; m != nil {
			enabled, polled = m.Enabled, m.Polled
		}

		g, err := s.metrics.NewGatherer(
			metrics.WithNamespace(Namespace),
			metrics.WithPollInterval(s.cfg.ReportPeriod.Duration),
			metrics.WithMetrics(enabled, polled),
		)
		if err != nil {
			return instrumentationError("failed to set up metrics: %w", err)
		}

		s.gatherer = g
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}

	for _, setup := range s.apis {
		setup(r)
	}

	l, err := net.Listen("tcp", s.cfg.HTTPEndpoint)
	if err != nil {
		s.stopMetrics()
		return instrumentationError("failed to start HTTP server: %w", err)
	}

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = l.Addr().String()
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.srv, s.done)

	log.Info("HTTP server listening on %s", s.addr)

	return nil
}

func (s *Service) stop() {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.srv.Shutdown(ctx); err != nil {
			log.Warn("HTTP server shutdown failed: %v", err)
			s.srv.Close()
		}
		cancel()
		<-s.done
		s.srv = nil
		s.addr = ""
	}

	s.stopMetrics()
}

func (s *Service) stopMetrics() {
	if s.gatherer != nil {
		s.gatherer.Stop()
		s.gatherer = nil
	}
}

func configOrDefault(cfg *cfgapi.Config) *cfgapi.Config {
	if cfg == nil {
		return &cfgapi.Config{HTTPEndpoint: cfgapi.DefaultHTTPEndpoint}
	}
	return cfg
}

func instrumentationError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation: "+format, args...)
}
