// Package statusserver exposes a local HTTP surface for orchestrator
// observability: health, Prometheus metrics, instance snapshots, and recent
// logs. It is a read-only machine interface; presentation belongs to
// external UI layers.
package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helmsman/pkg/browser"
	"helmsman/pkg/logx"
	"helmsman/pkg/metrics"
)

// InstanceLister is the slice of the manager the server needs.
type InstanceLister interface {
	List() []browser.Snapshot
	ListByOwner(ownerID string) []browser.Snapshot
}

// MetricsQuerier answers aggregated metrics questions from a Prometheus
// server scraping this process.
type MetricsQuerier interface {
	GetOwnerMetrics(ctx context.Context, ownerID string) (*metrics.OwnerMetrics, error)
	ShutdownTierBreakdown(ctx context.Context) (map[string]int64, error)
}

// Server serves the status endpoints on a localhost address.
type Server struct {
	logger  *logx.Logger
	manager InstanceLister
	querier MetricsQuerier
	httpSrv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsQuery enables the aggregated metrics endpoints backed by a
// Prometheus query service.
func WithMetricsQuery(q MetricsQuerier) Option {
	return func(s *Server) { s.querier = q }
}

// New creates a status server for the given manager.
func New(addr string, manager InstanceLister, opts ...Option) *Server {
	s := &Server{
		logger:  logx.NewLogger("status"),
		manager: manager,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/instances", s.handleInstances)
	mux.HandleFunc("/logs", s.handleLogs)
	if s.querier != nil {
		mux.HandleFunc("/metrics/owner", s.handleOwnerMetrics)
		mux.HandleFunc("/metrics/shutdowns", s.handleShutdownBreakdown)
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Status server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"instances": len(s.manager.List()),
	})
}

// handleInstances returns registry snapshots, optionally filtered by owner.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")

	var snaps []browser.Snapshot
	if owner == "" {
		snaps = s.manager.List()
	} else {
		snaps = s.manager.ListByOwner(owner)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"instances": snaps,
		"count":     len(snaps),
	})
}

// handleOwnerMetrics returns aggregated launch counts for one owner, queried
// from the configured Prometheus server.
func (s *Server) handleOwnerMetrics(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "owner parameter is required", http.StatusBadRequest)
		return
	}

	om, err := s.querier.GetOwnerMetrics(r.Context(), owner)
	if err != nil {
		s.logger.Warn("Owner metrics query failed: %v", err)
		http.Error(w, fmt.Sprintf("metrics query failed: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(om)
}

// handleShutdownBreakdown returns per-tier shutdown counts.
func (s *Server) handleShutdownBreakdown(w http.ResponseWriter, r *http.Request) {
	breakdown, err := s.querier.ShutdownTierBreakdown(r.Context())
	if err != nil {
		s.logger.Warn("Shutdown breakdown query failed: %v", err)
		http.Error(w, fmt.Sprintf("metrics query failed: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tiers": breakdown})
}

// handleLogs returns recent buffered log entries, optionally filtered by
// component and a since timestamp (RFC3339).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	component := r.URL.Query().Get("component")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid since parameter: %v", err), http.StatusBadRequest)
			return
		}
		since = parsed
	}

	entries := logx.GetRecentLogEntries(component, since)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
