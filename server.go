package wren

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// poolHeadroom is added to MaxConnections to size the session pool, so a
// few connections over the limit can still be accepted and told to retry.
const poolHeadroom = 10

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config   ServerConfig
	commands *CommandRegistry
	metrics  *metrics
	logger   *slog.Logger

	// pool bounds the number of running sessions. nil when unlimited.
	pool *semaphore.Weighted

	mu         sync.Mutex
	listener   net.Listener
	started    bool
	closed     bool
	acceptDone chan struct{}
	acceptErr  error
	sessions   map[*Session]struct{}

	live       atomic.Int64
	sessionsWg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer returns a server for config. Zero fields of config take their
// defaults; MessageHandlerFactory is required.
func NewServer(config ServerConfig) (*Server, error) {
	if config.MessageHandlerFactory == nil {
		return nil, ErrNoMessageHandler
	}
	if config.RequireTLS && config.TLSConfig == nil {
		return nil, ErrTLSConfigRequired
	}
	config = config.withDefaults()
	config.Commands = slices.Clone(config.Commands)

	commands := DefaultCommands()
	for _, cmd := range config.Commands {
		commands.Override(cmd)
	}

	m, err := newMetrics(config.MetricsRegisterer, config.Addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		commands: commands,
		metrics:  m,
		logger:   config.Logger,
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if config.MaxConnections >= 0 {
		s.pool = semaphore.NewWeighted(int64(config.MaxConnections) + poolHeadroom)
	}
	return s, nil
}

// Config returns a copy of the server's configuration.
func (s *Server) Config() ServerConfig {
	return s.config
}

// Commands returns the command set the server dispatches to.
func (s *Server) Commands() []Command {
	return s.commands.Commands()
}

func (s *Server) markStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return ErrServerStarted
	}
	s.started = true
	return nil
}

// Start binds the configured address and accepts connections in the
// background. It returns once the listener is bound.
func (s *Server) Start() error {
	if err := s.markStarted(); err != nil {
		return err
	}
	l, err := listenTCP(s.config.Addr, s.config.Backlog)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen on %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	go func() {
		if err := s.serve(l); err != nil && !errors.Is(err, ErrServerClosed) {
			s.mu.Lock()
			s.acceptErr = err
			s.mu.Unlock()
		}
	}()
	return nil
}

// ListenAndServe binds the configured address and accepts connections
// until the server is shut down.
func (s *Server) ListenAndServe() error {
	if err := s.markStarted(); err != nil {
		return err
	}
	l, err := listenTCP(s.config.Addr, s.config.Backlog)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.serve(l)
}

// Serve accepts connections on l until the server is shut down. It
// returns ErrServerClosed after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	if err := s.markStarted(); err != nil {
		return err
	}
	return s.serve(l)
}

// Err returns the error that stopped a server launched with Start.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptErr
}

func (s *Server) serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listener = l
	done := make(chan struct{})
	s.acceptDone = done
	s.mu.Unlock()
	defer close(done)

	s.logger.Info("SMTP server started",
		slog.String("addr", l.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	for {
		if s.pool != nil {
			if err := s.pool.Acquire(s.ctx, 1); err != nil {
				return ErrServerClosed
			}
		}

		conn, err := l.Accept()
		if err != nil {
			s.releaseSlot()
			if s.isClosed() {
				return ErrServerClosed
			}
			s.logger.Error("accept failed", slog.Any("error", err))
			return fmt.Errorf("smtp: accept: %w", err)
		}

		sess := newSession(s, conn)
		s.register(sess)
		go func() {
			defer s.sessionsWg.Done()
			defer s.releaseSlot()
			if err := sess.Run(s.ctx); err != nil {
				sess.logger.Error("session failed", slog.Any("error", err))
			}
		}()
	}
}

func (s *Server) releaseSlot() {
	if s.pool != nil {
		s.pool.Release(1)
	}
}

func (s *Server) register(sess *Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.live.Add(1)
	s.sessionsWg.Add(1)
	s.metrics.connections.Inc()
	s.metrics.sessionsActive.Inc()
}

// sessionEnded is called by a session once it has cleaned up.
func (s *Server) sessionEnded(sess *Session) {
	s.mu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()
	if ok {
		s.live.Add(-1)
		s.metrics.sessionsActive.Dec()
	}
}

// HasTooManyConnections reports whether more sessions are live than
// MaxConnections allows.
func (s *Server) HasTooManyConnections() bool {
	return s.config.MaxConnections >= 0 && s.live.Load() > int64(s.config.MaxConnections)
}

// ActiveSessions returns the number of live sessions.
func (s *Server) ActiveSessions() int {
	return int(s.live.Load())
}

// Addr returns the bound address, or nil before the server is started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting connections, ends every live session and waits
// for them to finish, or for ctx to be done. A server cannot be started
// again after Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	acceptDone := s.acceptDone
	s.mu.Unlock()

	s.cancel()
	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("failed to close listener", slog.Any("error", err))
		}
	}
	if acceptDone != nil {
		select {
		case <-acceptDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.Quit()
	}

	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("SMTP server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is Shutdown without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}
