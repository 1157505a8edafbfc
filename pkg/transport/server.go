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
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/transport"
	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/pnm"
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
	"github.com/containers/pnm-resmgr/pkg/pnm/shared"
	"github.com/containers/pnm-resmgr/pkg/utils"
)

// Backend is the resource manager interface requests are served by.
type Backend interface {
	Open(client procmgr.ClientKey) (*procmgr.Handle, error)
	Close(h *procmgr.Handle) (procmgr.CloseOutcome, error)
	Nop(sid pnm.SessionID) error
	Allocate(sid pnm.SessionID, pool pnm.PoolID, size uint64) (pnm.Allocation, error)
	Deallocate(sid pnm.SessionID, pool pnm.PoolID, addr, size uint64) error
	MakeShared(sid pnm.SessionID, pool pnm.PoolID, addr, size uint64) (shared.Key, error)
	GetShared(sid pnm.SessionID, key shared.Key) (pnm.Allocation, error)
	AcquireUnitTimeout(ctx context.Context, sid pnm.SessionID, mask pnm.UnitMask, timeout time.Duration) (pnm.UnitID, error)
	ReleaseUnit(sid pnm.SessionID, id pnm.UnitID) error
	AcquireTimeout() time.Duration
}

// Server serves client requests over a unix domain socket.
type Server struct {
	backend    Backend
	socket     string
	limit      rate.Limit
	burst      int
	maxWait    time.Duration
	perConn    bool
	clientKeyF func(net.Conn) procmgr.ClientKey

	lock  sync.Mutex
	conns map[net.Conn]struct{}
}

// ServerOption is an option for a Server.
type ServerOption func(*Server)

// WithClientKeyFunc overrides how connections are mapped to clients.
func WithClientKeyFunc(fn func(net.Conn) procmgr.ClientKey) ServerOption {
	return func(s *Server) {
		s.clientKeyF = fn
	}
}

var (
	log = logger.Get("transport")
)

// NewServer creates a server for the given backend and configuration.
func NewServer(backend Backend, cfg *cfgapi.Config, options ...ServerOption) *Server {
	if cfg == nil {
		cfg = &cfgapi.Config{}
	}

	s := &Server{
		backend: backend,
		socket:  cfg.Socket,
		limit:   rate.Inf,
		burst:   cfg.RequestBurst,
		maxWait: cfgapi.DefaultMaxAcquireWait,
		perConn: cfg.SessionPerConnection,
		conns:   make(map[net.Conn]struct{}),
	}

	if s.socket == "" {
		s.socket = cfgapi.DefaultSocket
	}
	if cfg.RequestRate > 0 {
		s.limit = rate.Limit(cfg.RequestRate)
		if s.burst < 1 {
			s.burst = 1
		}
	}
	if cfg.MaxAcquireWait != nil && cfg.MaxAcquireWait.Duration > 0 {
		s.maxWait = cfg.MaxAcquireWait.Duration
	}

	s.clientKeyF = s.clientKey
	for _, o := range options {
		o(s)
	}

	return s
}

// Socket returns the path of the socket the server listens on.
func (s *Server) Socket() string {
	return s.socket
}

// Serve listens on the server socket and serves connections until the
// context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	if err := utils.PrepareSocket(s.socket); err != nil {
		return transportError("failed to prepare socket: %w", err)
	}

	l, err := net.Listen("unix", s.socket)
	if err != nil {
		return transportError("failed to listen on %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0o666); err != nil {
		l.Close()
		return transportError("failed to set socket permissions: %w", err)
	}

	log.Info("serving requests on %s", s.socket)

	return s.ServeListener(ctx, l)
}

// ServeListener serves connections accepted from the given listener until
// the context is canceled. The listener is closed on return.
func (s *Server) ServeListener(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		l.Close()
		s.closeConns()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return transportError("failed to accept connection: %w", err)
			}
			if !s.trackConn(conn) {
				conn.Close()
				return nil
			}
			g.Go(func() error {
				s.serveConn(ctx, conn)
				return nil
			})
		}
	})

	return g.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.untrackConn(conn)

	client := s.clientKeyF(conn)
	h, err := s.backend.Open(client)
	if err != nil {
		log.Error("failed to open session for client %s: %v", client, err)
		return
	}

	log.Debug("client %s connected, session %s", client, h.ID())

	defer func() {
		outcome, err := s.backend.Close(h)
		if err != nil {
			log.Error("failed to close handle of client %s: %v", client, err)
			return
		}
		log.Debug("client %s disconnected, session %s: %s", client, h.ID(), outcome)
	}()

	r := &connReader{Conn: conn}
	limiter := rate.NewLimiter(s.limit, s.burst)
	for {
		req := &Request{}
		if err := ReadRequest(r, req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.Warn("failed to read request from client %s: %v", client, err)
			}
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		rsp := s.dispatch(ctx, r, h.ID(), req)
		if rsp.Status != StatusOK {
			log.Debug("%s %s: %s", h.ID(), req, rsp.Status)
		}

		if err := WriteResponse(conn, rsp); err != nil {
			if ctx.Err() == nil {
				log.Warn("failed to send response to client %s: %v", client, err)
			}
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, r *connReader, sid pnm.SessionID, req *Request) *Response {
	var (
		rsp = &Response{}
		err error
	)

	switch req.Op {
	case OpNop:
		err = s.backend.Nop(sid)

	case OpAllocate:
		var a pnm.Allocation
		a, err = s.backend.Allocate(sid, pnm.PoolID(req.Pool), req.Size)
		if err == nil && req.Global != 0 {
			if _, err = s.backend.MakeShared(sid, a.Pool, a.Addr, a.Size); err != nil {
				if rbErr := s.backend.Deallocate(sid, a.Pool, a.Addr, a.Size); rbErr != nil {
					log.Error("failed to roll back allocation %s: %v", a, rbErr)
				}
			}
		}
		if err == nil {
			rsp.setAllocation(a)
		}

	case OpDeallocate:
		err = s.backend.Deallocate(sid, pnm.PoolID(req.Pool), req.Addr, req.Size)

	case OpMakeShared:
		var key shared.Key
		key, err = s.backend.MakeShared(sid, pnm.PoolID(req.Pool), req.Addr, req.Size)
		if err == nil {
			rsp.setAllocation(key.Allocation())
		}

	case OpGetShared:
		var a pnm.Allocation
		key := shared.Key{Pool: pnm.PoolID(req.Pool), Addr: req.Addr, Size: req.Size}
		a, err = s.backend.GetShared(sid, key)
		if err == nil {
			rsp.setAllocation(a)
		}

	case OpAcquireUnit:
		var id pnm.UnitID
		wctx, stop := r.watch(ctx)
		id, err = s.backend.AcquireUnitTimeout(wctx, sid, pnm.UnitMask(req.Mask), s.AcquireTimeout())
		stop()
		if err == nil {
			rsp.Unit = uint32(id)
		}

	case OpReleaseUnit:
		err = s.backend.ReleaseUnit(sid, pnm.UnitID(req.Unit))

	default:
		err = ErrUnknownOp
	}

	rsp.Status = StatusFor(err)
	return rsp
}

// AcquireTimeout returns the timeout remote acquisitions are served with,
// the device acquisition timeout capped by the maximum remote wait.
func (s *Server) AcquireTimeout() time.Duration {
	timeout := s.backend.AcquireTimeout()
	if timeout < 0 || timeout > s.maxWait {
		timeout = s.maxWait
	}
	return timeout
}

// clientKey identifies the client of a connection by its process ID.
func (s *Server) clientKey(conn net.Conn) procmgr.ClientKey {
	if !s.perConn {
		pid, err := peerPID(conn)
		if err == nil {
			return procmgr.ClientKey(fmt.Sprintf("pid:%d", pid))
		}
		log.Warn("failed to get peer credentials, using per-connection session: %v", err)
	}
	return procmgr.ClientKey("conn:" + uuid.NewString())
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.lock.Lock()
	defer s.lock.Unlock()
	conn.Close()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

// connReader reads requests from a connection. Data read while watching
// for the peer hanging up is returned by the next read.
type connReader struct {
	net.Conn
	pending []byte
}

func (r *connReader) Read(p []byte) (int, error) {
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}
	return r.Conn.Read(p)
}

// watch returns a context which is canceled if the peer hangs up before
// the returned stop function is called.
func (r *connReader) watch(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		var b [1]byte
		n, err := r.Conn.Read(b[:])
		if n > 0 {
			r.pending = append(r.pending, b[:n]...)
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			cancel()
		}
	}()

	return ctx, func() {
		_ = r.Conn.SetReadDeadline(time.Now())
		<-done
		_ = r.Conn.SetReadDeadline(time.Time{})
		cancel()
	}
}

func (rsp *Response) setAllocation(a pnm.Allocation) {
	rsp.Pool = uint8(a.Pool)
	rsp.Addr = a.Addr
	rsp.Size = a.Size
}

func transportError(format string, args ...interface{}) error {
	return fmt.Errorf("transport: "+format, args...)
}
