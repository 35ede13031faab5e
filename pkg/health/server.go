// Package health serves the read-only HTTP surface: liveness, supervision
// state snapshots, and the Prometheus scrape endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hivemind/pkg/logx"
	"hivemind/pkg/metrics"
	"hivemind/pkg/persistence"
	"hivemind/pkg/selfheal"
)

// Server exposes supervision state over HTTP. All endpoints are read-only.
type Server struct {
	store    *persistence.Store
	breakers *selfheal.Supervisor
	queries  *metrics.QueryService
	logger   *logx.Logger
	srv      *http.Server
}

// NewServer creates the health server. The self-heal supervisor may be nil
// when process supervision is disabled; /circuits then returns an empty map.
// The query service may be nil when no Prometheus endpoint is configured;
// /supervision then replies 503.
func NewServer(addr string, store *persistence.Store, breakers *selfheal.Supervisor, queries *metrics.QueryService) *Server {
	s := &Server{
		store:    store,
		breakers: breakers,
		queries:  queries,
		logger:   logx.NewLogger("health"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/failures", s.handleFailures)
	mux.HandleFunc("/failures/stats", s.handleFailureStats)
	mux.HandleFunc("/workload", s.handleWorkload)
	mux.HandleFunc("/circuits", s.handleCircuits)
	mux.HandleFunc("/supervision", s.handleSupervision)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Health server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agents, err := s.store.ListAgents(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, agents)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	failures, err := s.store.ListFailures(r.URL.Query().Get("agent_id"), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, failures)
}

func (s *Server) handleFailureStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.store.GetFailureStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleWorkload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.store.GetWorkloadStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.breakers == nil {
		s.writeJSON(w, map[string]selfheal.BreakerState{})
		return
	}
	s.writeJSON(w, s.breakers.States())
}

// handleLogs serves recent log entries from the in-memory buffer, e.g.
// /logs?component=watchdog&since=2026-08-30T10:00:00Z.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since timestamp: "+err.Error(), http.StatusBadRequest)
			return
		}
		since = parsed
	}
	s.writeJSON(w, logx.RecentEntries(r.URL.Query().Get("component"), since))
}

// handleSupervision serves windowed failure/recovery aggregates pulled back
// out of Prometheus, e.g. /supervision?window=24h.
func (s *Server) handleSupervision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.queries == nil {
		http.Error(w, "metrics querying not configured", http.StatusServiceUnavailable)
		return
	}
	window := r.URL.Query().Get("window")
	if window == "" {
		window = "1h"
	}
	aggregates, err := s.queries.GetSupervisionMetrics(r.Context(), window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	byType, err := s.queries.GetFailuresByType(r.Context(), window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, struct {
		*metrics.SupervisionMetrics
		FailuresByType map[string]int64 `json:"failures_by_type"`
	}{aggregates, byType})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}
