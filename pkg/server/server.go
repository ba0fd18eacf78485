// Package server implements the CEQP protocol service: the single-port
// acceptor, the per-connection session engine, and the request handlers.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"ceqpd/pkg/config"
	"ceqpd/pkg/logger"
	"ceqpd/pkg/memory"
	"ceqpd/pkg/telemetry"
)

// acceptQuantum bounds how long the accept loop blocks before rechecking
// for shutdown.
const acceptQuantum = 50 * time.Millisecond

// Options tune a Server. Zero values pick protocol defaults.
type Options struct {
	Addr      string
	IOTimeout time.Duration
	// RateRPS/RateBurst pace requests per session; 0 disables pacing.
	RateRPS   float64
	RateBurst int
	// Diagnostic enriches pointer-chain responses and step traces.
	Diagnostic bool
}

// Server owns the listening socket and at most one active session. The
// service expects a single controller: a newly accepted connection
// displaces the previous session.
type Server struct {
	opts Options
	prov memory.Provider

	mu      sync.Mutex
	ln      net.Listener
	sess    *session
	stopped chan struct{}
	wg      sync.WaitGroup
}

// New builds a Server bound to a memory provider.
func New(prov memory.Provider, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "0.0.0.0:9178"
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = config.DefaultIOTimeout
	}
	return &Server{opts: opts, prov: prov}
}

// Start opens the listening socket and launches the accept worker.
// Calling Start on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.stopped = make(chan struct{})
	s.wg.Add(1)
	go s.acceptLoop(ln, s.stopped)
	logger.Info("listener_started", "addr", ln.Addr().String())
	return nil
}

// Stop signals the accept worker, closes the listener and any active
// session, and joins the worker. Safe to call on a stopped server.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopped)
	s.ln.Close()
	s.ln = nil
	if s.sess != nil {
		s.sess.close()
		s.sess = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
	logger.Info("listener_stopped")
}

// Addr returns the bound listener address, or nil when stopped. Useful
// when starting on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Status reports listener and session state for the ops surface.
type Status struct {
	Listening   bool   `json:"listening"`
	Addr        string `json:"addr,omitempty"`
	SessionPeer string `json:"session_peer,omitempty"`
}

func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Listening: s.ln != nil}
	if s.ln != nil {
		st.Addr = s.ln.Addr().String()
	}
	if s.sess != nil {
		st.SessionPeer = s.sess.peer()
	}
	return st
}

func (s *Server) acceptLoop(ln net.Listener, stopped chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stopped:
			return
		default:
		}
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(acceptQuantum))
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-stopped:
			default:
				logger.Warn("accept_failed", "error", err)
			}
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			// small frames dominate; keep latency down
			_ = tc.SetNoDelay(true)
		}
		s.adopt(conn)
	}
}

// adopt installs conn as the active session, closing any previous one.
func (s *Server) adopt(conn net.Conn) {
	sess := newSession(conn, s.prov, s.opts)
	s.mu.Lock()
	if s.sess != nil {
		logger.Info("session_displaced", "old_peer", s.sess.peer(), "new_peer", sess.peer())
		s.sess.close()
	}
	s.sess = sess
	s.mu.Unlock()

	telemetry.SessionsTotal.Inc()
	telemetry.SessionsActive.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
		telemetry.SessionsActive.Dec()
		s.mu.Lock()
		if s.sess == sess {
			s.sess = nil
		}
		s.mu.Unlock()
	}()
}
