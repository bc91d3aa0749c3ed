// Package proxy runs the single MySQL client-facing TCP listener, dispatching
// each accepted connection to its own session.Engine.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/sqlwarden/sqlwarden/internal/session"
	"github.com/sqlwarden/sqlwarden/internal/stats"
)

// Server accepts client connections and runs one session.Engine per
// connection, tracking active engines so the control channel can list
// sessions.
type Server struct {
	deps    session.Deps
	limiter *session.Limiter

	listener net.Listener

	mu       sync.Mutex
	sessions map[uint64]*session.Engine

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a Server. maxConnections<=0 means unlimited admission.
func NewServer(deps session.Deps, maxConnections int) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:     deps,
		limiter:  session.NewLimiter(maxConnections),
		sessions: make(map[uint64]*session.Engine),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen starts accepting client connections on port.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s: %w", addr, err)
	}
	s.listener = ln
	slog.Info("proxy: listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("proxy: accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	if err := s.limiter.Acquire(s.ctx, s.deps.IdleTimeout); err != nil {
		slog.Warn("proxy: rejecting connection, admission limit reached", "error", err)
		conn.Close()
		return
	}
	defer s.limiter.Release()

	eng := session.New(s.deps, conn)

	s.mu.Lock()
	s.sessions[eng.SessionContext().ID] = eng
	active := len(s.sessions)
	s.mu.Unlock()
	s.reportActiveConnections(active)
	defer func() {
		s.mu.Lock()
		delete(s.sessions, eng.SessionContext().ID)
		active := len(s.sessions)
		s.mu.Unlock()
		s.reportActiveConnections(active)
	}()

	if err := eng.Run(s.ctx); err != nil {
		slog.Warn("proxy: session ended with error", "error", err)
	}
}

func (s *Server) reportActiveConnections(n int) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetActiveConnections(n)
	}
}

// ListSessions implements stats.SessionLister.
func (s *Server) ListSessions() []stats.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]stats.SessionInfo, 0, len(s.sessions))
	for _, eng := range s.sessions {
		c := eng.SessionContext()
		ip := ""
		if c.ClientIP != nil {
			ip = c.ClientIP.String()
		}
		out = append(out, stats.SessionInfo{ID: c.ID, User: c.User, ClientIP: ip})
	}
	return out
}

// Stop gracefully shuts down the listener and waits for in-flight sessions
// to finish.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	slog.Info("proxy: server stopped")
}
