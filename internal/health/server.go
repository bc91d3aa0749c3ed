package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlwarden/sqlwarden/internal/stats"
)

// Server serves /health and /metrics over plain HTTP, the same
// mux+promhttp shape the teacher used for its admin API, pared down to
// the two endpoints this proxy needs.
type Server struct {
	checker    *Checker
	statsColl  *stats.Collector
	registry   *prometheus.Registry
	maxConns   int
	httpServer *http.Server
}

// NewServer builds a health/metrics Server.
func NewServer(checker *Checker, statsColl *stats.Collector, registry *prometheus.Registry, maxConnections int) *Server {
	return &Server{
		checker:   checker,
		statsColl: statsColl,
		registry:  registry,
		maxConns:  maxConnections,
	}
}

// Start binds and serves on bind:port in the background.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("health: server listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	upstreamHealthy := s.checker == nil || s.checker.IsHealthy()

	snap := s.statsColl.Snapshot()
	atCapacity := s.maxConns > 0 && snap.ActiveSessions >= int64(s.maxConns)

	healthy := upstreamHealthy && !atCapacity

	body := map[string]interface{}{
		"active_sessions": snap.ActiveSessions,
		"max_connections": s.maxConns,
	}
	if s.checker != nil {
		body["upstream"] = s.checker.GetStatus()
	}

	status := http.StatusOK
	if healthy {
		body["status"] = "ok"
	} else {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["reason"] = unhealthyReason(upstreamHealthy, atCapacity)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func unhealthyReason(upstreamHealthy, atCapacity bool) string {
	switch {
	case !upstreamHealthy && atCapacity:
		return "upstream unreachable and at connection capacity"
	case !upstreamHealthy:
		return "upstream unreachable"
	default:
		return "at connection capacity"
	}
}
