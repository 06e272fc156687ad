package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"codegraph/internal/graphstore"
	"codegraph/internal/logging"
	"codegraph/internal/metrics"
	"codegraph/internal/quarantine"
)

// Server exposes the operational surface: liveness, readiness with the
// active mode, the metrics document, the quarantine tail, and the
// orphaned-file listing the external dashboard polls.
type Server struct {
	runner     *Runner
	reg        *metrics.Registry
	quarantine *quarantine.Store
	graph      graphstore.Store
	http       *http.Server
}

// NewServer builds the HTTP surface on the given port. Every endpoint
// is read-only.
func NewServer(port int, runner *Runner, reg *metrics.Registry, q *quarantine.Store, graph graphstore.Store) *Server {
	s := &Server{runner: runner, reg: reg, quarantine: q, graph: graph}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/quarantine/recent", s.handleQuarantine)
	r.Get("/orphans", s.handleOrphans)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Stop. ErrServerClosed is a clean exit.
func (s *Server) Start() error {
	logging.Get(logging.CategoryHTTP).Info("operational surface on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": s.reg.Snapshot().UptimeSeconds,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
	defer cancel()

	ready, failing := s.runner.Ready(ctx)
	body := map[string]any{
		"status": "ready",
		"mode":   s.reg.Mode(),
	}
	if !ready {
		body["status"] = "not_ready"
		body["failing"] = failing
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

func (s *Server) handleQuarantine(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if q := req.URL.Query().Get("limit"); q != "" {
		fmt.Sscanf(q, "%d", &limit)
	}
	if s.quarantine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"records": []quarantine.Record{}})
		return
	}
	records, err := s.quarantine.Recent(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleOrphans(w http.ResponseWriter, req *http.Request) {
	project := req.URL.Query().Get("project")
	if project == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "project query parameter is required"})
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()
	ids, err := s.graph.DetectOrphans(ctx, project)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project, "orphans": ids})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Get(logging.CategoryHTTP).Warn("write response: %v", err)
	}
}
