// Package server owns the TCP listener lifecycle: it accepts connections,
// registers them, and runs one handler goroutine per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/echocast/internal/metrics"
)

// State is the lifecycle state of a Server.
type State int

const (
	StateCreated State = iota
	StateListening
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts TCP connections and hands each one to its own handler.
type Server struct {
	cfg       *Config
	registry  *Registry
	transform Transform
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	listener   net.Listener
	listening  chan struct{}
	acceptDone chan struct{}
	fatal      chan error
	handlers   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server in the Created state. Connections are tracked in
// registry, which the caller shares with the Broadcaster.
func NewServer(cfg *Config, registry *Registry, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		registry:   registry,
		transform:  TransformByName(cfg.Transform),
		logger:     logger,
		listening:  make(chan struct{}),
		acceptDone: make(chan struct{}),
		fatal:      make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start binds the configured port and starts the accept loop in its own
// goroutine. A bind failure is returned as *BindError.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return &BindError{Addr: s.cfg.Port, Err: err}
	}

	s.listener = ln
	s.state = StateListening
	go s.acceptLoop(ln)

	s.logger.Info("Server bound", zap.String("addr", ln.Addr().String()))
	return nil
}

// WaitUntilListening blocks until the accept loop is running, or fails with
// *StartupTimeoutError once timeout elapses.
func (s *Server) WaitUntilListening(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.listening:
		return nil
	case <-timer.C:
		return &StartupTimeoutError{Timeout: timeout}
	}
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fatal delivers shared-infrastructure failures, such as a registry invariant
// violation, that the process should shut down on.
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.acceptDone)
	close(s.listening)

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.State() != StateListening {
				return
			}
			// Transient failures such as EMFILE must not end the loop.
			delay = nextAcceptBackoff(delay)
			s.logger.Warn("Accept error, retrying", zap.Error(err), zap.Duration("delay", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		// Handler work never runs on the accept goroutine.
		if _, err := s.attach(newTCPTransport(conn, s.cfg.MaxMessageSize)); err != nil &&
			errors.Is(err, ErrDuplicateConnection) {
			s.reportFatal(err)
		}
	}
}

func nextAcceptBackoff(delay time.Duration) time.Duration {
	if delay == 0 {
		return minAcceptBackoff
	}
	delay *= 2
	if delay > maxAcceptBackoff {
		delay = maxAcceptBackoff
	}
	return delay
}

// attach registers a new connection over t and starts its handler.
func (s *Server) attach(t lineTransport) (*Connection, error) {
	conn := newConnection(t, s.cfg.connectionOptions(), s.logger)

	// Registration happens under s.mu so Shutdown cannot miss a connection
	// attached concurrently with the transition to Draining.
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("draining").Inc()
		_ = conn.Close()
		return nil, ErrServerClosed
	}
	if err := s.registry.Register(conn); err != nil {
		s.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("duplicate_id").Inc()
		s.logger.Error("Connection registration failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		_ = conn.Close()
		return nil, err
	}
	s.handlers.Add(1)
	s.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues(string(t.kind())).Inc()

	h := newConnectionHandler(conn, s.registry, s.transform, s.cfg)
	go func() {
		defer s.handlers.Done()
		h.run(s.ctx)
	}()
	return conn, nil
}

func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Shutdown stops accepting connections and force-closes every open
// connection, then waits for all handlers to exit or ctx to expire.
// Calling Shutdown more than once is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateCreated:
		s.state = StateClosed
		s.mu.Unlock()
		s.cancel()
		return nil
	case StateDraining, StateClosed:
		s.mu.Unlock()
		return nil
	}
	s.state = StateDraining
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("Server draining")

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("Error closing listener", zap.Error(err))
	}
	<-s.acceptDone

	// Abort pending write retries before closing the sockets.
	s.cancel()
	closed := s.registry.CloseAll()
	s.logger.Info("Closed client connections", zap.Int("count", closed))

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.logger.Info("Server shutdown completed")
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("Server shutdown timeout reached, some handlers may still be running")
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return err
}
