// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package server binds the proxy's loopback listener and drives its
// accept/shutdown lifecycle, handing each accepted connection to its own
// per-connection HTTP server so HTTP/1.1 and h2c traffic can be served
// side by side.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// readHeaderTimeout bounds how long a per-connection server waits for
// request headers before giving up on a slow or dead client.
const readHeaderTimeout = 10 * time.Second

// Server binds a loopback TCP port (port-scanning a configurable range) and
// dispatches every accepted connection to handler, one goroutine per
// connection. Stop waits for the accept loop to exit, not for those
// connections to finish.
// A single Server may be Start-ed and Stop-ed repeatedly: Start is
// idempotent while bound, and Stop releases the port for reuse.
type Server struct {
	handler http.Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	port     int
	wg       sync.WaitGroup
}

// New constructs a Server that dispatches accepted connections to handler.
func New(handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logger.With().Str("component", "listener").Logger(),
	}
}

// Start binds "host:startPort", retrying startPort+1, startPort+2, ... up to
// maxAttempts times whenever the bind fails with "address in use"; any other
// bind error is fatal. A Server that is already bound returns its existing
// port unchanged (idempotent start). On success it spawns the accept loop
// and returns immediately.
func (s *Server) Start(host string, startPort, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.port, nil
	}

	ln, port, err := bindPortRange(host, startPort, maxAttempts)
	if err != nil {
		return 0, err
	}

	s.listener = ln
	s.port = port
	s.wg.Add(1)
	go s.acceptLoop(ln)

	return port, nil
}

// Port reports the currently bound port, or 0 if the server is not running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// acceptLoop accepts connections from ln until it is closed, dispatching
// each to its own goroutine under an errgroup.Group and waiting for all of
// them to finish (natural drain, no forced abort) before returning.
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var conns errgroup.Group
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		conns.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
	conns.Wait() //nolint:errcheck
}

// serveConn runs a dedicated *http.Server, h2c-wrapped so plaintext HTTP/2
// is negotiated alongside HTTP/1.1, over a listener that yields conn once
// and then closes. Serve returns once conn's request (or, for a hijacked
// upgrade/CONNECT, the handoff itself) has been dispatched; a keep-alive or
// tunneled connection then continues independently of this call per
// spec.md §5's "in-flight request tasks... drain naturally" model, so
// acceptLoop's errgroup — and therefore Stop — does not wait on it.
func (s *Server) serveConn(conn net.Conn) {
	h2s := &http2.Server{}
	handler := h2c.NewHandler(s.handler, h2s)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	scl := &singleConnListener{conn: conn}
	if err := srv.Serve(scl); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug().Err(err).Msg("connection closed")
	}
}

// Stop closes the listener, then blocks until the accept loop itself has
// exited (it stops calling Accept once the listener is closed), or ctx is
// canceled first. After Stop returns, the bound port is free for reuse by a
// fresh Start (including on the same Server instance). Stop does not wait
// for already-accepted connections to finish: per spec.md §5, in-flight
// request/tunnel work is not forcibly aborted, it drains naturally in its
// own goroutine once the client or upstream closes.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	closeErr := ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.listener = nil
	s.port = 0
	s.mu.Unlock()

	return closeErr
}

// bindPortRange tries host:startPort, then startPort+1, ... up to
// maxAttempts times, moving on only when the bind fails because the address
// is already in use.
func bindPortRange(host string, startPort, maxAttempts int) (net.Listener, int, error) {
	if maxAttempts <= 0 {
		return nil, 0, &NoFreePortError{Start: startPort, Attempts: maxAttempts, Cause: errors.New("no port attempts configured")}
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		port := startPort + i
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, err
		}
		lastErr = err
	}
	return nil, 0, &NoFreePortError{Start: startPort, Attempts: maxAttempts, Cause: lastErr}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// NoFreePortError reports that no port in [Start, Start+Attempts) could be
// bound.
type NoFreePortError struct {
	Start    int
	Attempts int
	Cause    error
}

func (e *NoFreePortError) Error() string {
	return "server: no free port in [" + strconv.Itoa(e.Start) + ", " + strconv.Itoa(e.Start+e.Attempts) + "): " + e.Cause.Error()
}

func (e *NoFreePortError) Unwrap() error { return e.Cause }

// singleConnListener is a net.Listener that yields conn exactly once, then
// reports the listener as closed. It lets a single accepted connection be
// served by its own *http.Server instance.
type singleConnListener struct {
	conn net.Conn
	mu   sync.Mutex
	done bool
}

func (s *singleConnListener) Accept() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, net.ErrClosed
	}
	s.done = true
	return s.conn, nil
}

func (s *singleConnListener) Close() error { return nil }

func (s *singleConnListener) Addr() net.Addr { return s.conn.LocalAddr() }
