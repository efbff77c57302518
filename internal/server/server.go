// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP API.
//
// Endpoints:
//   - POST /query              - Answer a question against a workspace
//   - POST /index              - Index a documents directory into a workspace
//   - GET  /runs               - List audit runs (filters: workspace, type, limit)
//   - GET  /runs/{id}          - Fetch a single run record
//   - GET  /workspaces         - List known workspaces
//   - GET  /workspaces/{id}/stats  - Per-workspace aggregates
//   - GET  /workspaces/{id}/verify - Verify the workspace's audit chain
//   - POST /admin/cleanup      - Purge runs older than N days
//   - GET  /health             - Health check with provider status
//   - GET  /metrics            - Prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jeranaias/enclave/internal/config"
	"github.com/jeranaias/enclave/internal/ingest"
	"github.com/jeranaias/enclave/internal/ledger"
	"github.com/jeranaias/enclave/internal/pipeline"
	"github.com/jeranaias/enclave/internal/provider"
	"github.com/jeranaias/enclave/internal/router"
)

// Version is the server version reported by /health.
const Version = "0.1.0"

// DefaultWorkspace receives documents indexed by the directory watcher.
const DefaultWorkspace = "default"

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP API server.
type Server struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	ledger   *ledger.Store
	registry *provider.Registry
	promReg  *prometheus.Registry
	log      zerolog.Logger

	mux     *http.ServeMux
	server  *http.Server
	cron    *cron.Cron
	watcher *ingest.Watcher

	started time.Time
	queries atomic.Int64
}

// New creates a Server wired to its collaborators. promReg may be nil
// when metrics exposure is not wanted.
func New(cfg *config.Config, pl *pipeline.Pipeline, led *ledger.Store, reg *provider.Registry, promReg *prometheus.Registry, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: pl,
		ledger:   led,
		registry: reg,
		promReg:  promReg,
		log:      log.With().Str("component", "server").Logger(),
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /query", s.handleQuery)
	s.mux.HandleFunc("POST /index", s.handleIndex)

	s.mux.HandleFunc("GET /runs", s.handleListRuns)
	s.mux.HandleFunc("GET /runs/{id}", s.handleGetRun)

	s.mux.HandleFunc("GET /workspaces", s.handleListWorkspaces)
	s.mux.HandleFunc("GET /workspaces/{id}/stats", s.handleWorkspaceStats)
	s.mux.HandleFunc("GET /workspaces/{id}/verify", s.handleVerify)

	s.mux.HandleFunc("POST /admin/cleanup", s.handleCleanup)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	if s.promReg != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
}

// ============================================================================
// QUERY
// ============================================================================

type queryRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Question    string `json:"question"`
}

type queryResponse struct {
	Status     string            `json:"status"`
	Answer     string            `json:"answer"`
	Citations  []ledger.Citation `json:"citations"`
	RunID      string            `json:"run_id,omitempty"`
	Provider   string            `json:"provider"`
	LatencyMs  int64             `json:"latency_ms"`
	AuditError string            `json:"audit_error,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = DefaultWorkspace
	}
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	res, err := s.pipeline.Query(r.Context(), req.WorkspaceID, req.Question)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.queries.Add(1)

	resp := queryResponse{
		Status:    res.Status.String(),
		Answer:    res.Answer,
		Citations: res.Citations,
		RunID:     res.RunID,
		Provider:  res.Provider,
		LatencyMs: res.LatencyMs,
	}
	if res.AuditError != nil {
		resp.AuditError = res.AuditError.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// INDEX
// ============================================================================

type indexRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Dir         string `json:"dir,omitempty"`
}

type indexResponse struct {
	Status        string `json:"status"`
	RunID         string `json:"run_id,omitempty"`
	DocumentCount int    `json:"document_count"`
	ChunkCount    int    `json:"chunk_count"`
	Provider      string `json:"provider"`
	AuditError    string `json:"audit_error,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = DefaultWorkspace
	}
	dir := req.Dir
	if dir == "" {
		dir = s.cfg.Ingest.DocumentsDir
	}

	docs, err := ingest.LoadDir(dir)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to load documents: %v", err))
		return
	}

	res, err := s.pipeline.Index(r.Context(), req.WorkspaceID, docs)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	resp := indexResponse{
		Status:        res.Status.String(),
		RunID:         res.RunID,
		DocumentCount: res.DocumentCount,
		ChunkCount:    res.ChunkCount,
		Provider:      res.Provider,
	}
	if res.AuditError != nil {
		resp.AuditError = res.AuditError.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// RUNS
// ============================================================================

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := ledger.ListFilter{
		WorkspaceID: r.URL.Query().Get("workspace"),
		Type:        ledger.RunType(r.URL.Query().Get("type")),
		Limit:       100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}
	if filter.Type != "" && filter.Type != ledger.RunTypeIndex && filter.Type != ledger.RunTypeQuery {
		s.writeError(w, http.StatusBadRequest, "type must be index or query")
		return
	}

	runs, err := s.ledger.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("list runs failed")
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.log.Error().Err(err).Msg("get run failed")
		s.writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// ============================================================================
// WORKSPACES
// ============================================================================

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.ledger.ListWorkspaces(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list workspaces failed")
		s.writeError(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

func (s *Server) handleWorkspaceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.GetWorkspaceStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.log.Error().Err(err).Msg("workspace stats failed")
		s.writeError(w, http.StatusInternalServerError, "failed to fetch stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("id")
	checked, err := s.ledger.Verify(r.Context(), workspaceID)
	if err != nil {
		if errors.Is(err, ledger.ErrChainBroken) {
			s.writeJSON(w, http.StatusConflict, map[string]any{
				"workspace_id": workspaceID,
				"intact":       false,
				"checked":      checked,
				"error":        err.Error(),
			})
			return
		}
		s.log.Error().Err(err).Msg("verify failed")
		s.writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id": workspaceID,
		"intact":       true,
		"checked":      checked,
	})
}

// ============================================================================
// ADMIN
// ============================================================================

type cleanupRequest struct {
	Days int `json:"days"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{Days: s.cfg.Ledger.RetentionDays}
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}

	deleted, err := s.ledger.CleanupOlderThan(r.Context(), req.Days)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("cleanup failed: %v", err))
		return
	}

	s.log.Info().Int("days", req.Days).Int64("deleted", deleted).Msg("retention cleanup")
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "days": req.Days})
}

// ============================================================================
// HEALTH
// ============================================================================

type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Mode          string            `json:"mode"`
	UptimeSecs    int64             `json:"uptime_secs"`
	QueriesServed int64             `json:"queries_served"`
	Providers     map[string]string `json:"providers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := healthResponse{
		Status:        "ok",
		Version:       Version,
		Mode:          s.cfg.Routing.Mode,
		UptimeSecs:    int64(time.Since(s.started).Seconds()),
		QueriesServed: s.queries.Load(),
		Providers:     make(map[string]string),
	}

	for _, desc := range s.registry.Descriptors() {
		gen, ok := s.registry.Generator(desc.Name)
		if !ok {
			health.Providers[desc.Name] = "not_configured"
			continue
		}
		if err := gen.Available(ctx); err != nil {
			health.Providers[desc.Name] = "unavailable"
			if desc.Name == s.cfg.Routing.GenerateProvider {
				health.Status = "degraded"
			}
			continue
		}
		health.Providers[desc.Name] = "ok"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start begins serving and blocks until the listener fails or Shutdown
// is called. The retention cron and directory watcher start alongside
// the listener when configured.
func (s *Server) Start() error {
	handler := Chain(
		RecoveryMiddleware(s.log),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.log),
		RateLimitMiddleware(DefaultRateLimiter(), s.log),
		AuthMiddleware(s.cfg.Server.BearerToken, s.log),
		bodyLimitMiddleware(s.cfg.Server.MaxBodyBytes),
	)(s.mux)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if err := s.startCron(); err != nil {
		return err
	}
	if err := s.startWatcher(); err != nil {
		return err
	}

	s.log.Info().Str("addr", addr).Str("mode", s.cfg.Routing.Mode).Str("version", Version).Msg("server starting")
	return s.server.ListenAndServe()
}

// startCron schedules the retention purge.
func (s *Server) startCron() error {
	schedule := s.cfg.Ledger.CleanupSchedule
	if schedule == "" {
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		deleted, err := s.ledger.CleanupOlderThan(ctx, s.cfg.Ledger.RetentionDays)
		if err != nil {
			s.log.Error().Err(err).Msg("scheduled cleanup failed")
			return
		}
		s.log.Info().Int64("deleted", deleted).Int("days", s.cfg.Ledger.RetentionDays).Msg("scheduled cleanup")
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	return nil
}

// startWatcher re-indexes changed documents into the default workspace.
func (s *Server) startWatcher() error {
	if !s.cfg.Ingest.Watch {
		return nil
	}

	debounce := time.Duration(s.cfg.Ingest.WatchDebounceMs) * time.Millisecond
	watcher, err := ingest.NewWatcher(s.cfg.Ingest.DocumentsDir, debounce, func(paths []string) {
		docs := make([]*ingest.Document, 0, len(paths))
		for _, path := range paths {
			doc, err := ingest.LoadFile(path)
			if err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("skipping changed file")
				continue
			}
			docs = append(docs, doc)
		}
		if len(docs) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.pipeline.Index(ctx, DefaultWorkspace, docs); err != nil {
			s.log.Error().Err(err).Msg("watch re-index failed")
		}
	}, s.log)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	s.watcher = watcher
	return nil
}

// Shutdown stops the listener, cron, and watcher gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("server shutting down")
	return s.server.Shutdown(ctx)
}

// Handler returns the routing mux without the middleware chain. Tests
// use it directly.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ============================================================================
// HELPERS
// ============================================================================

// bodyLimitMiddleware caps request body size.
func bodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decode parses the JSON body into v, writing the error response
// itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return false
		}
		s.log.Debug().Err(err).Msg("invalid request body")
		s.writeError(w, http.StatusBadRequest, "invalid request format")
		return false
	}
	return true
}

// writePipelineError maps pipeline errors to status codes. Internal
// detail stays in the log; the client gets a category.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var rej *router.Rejection
	switch {
	case errors.As(err, &rej):
		s.writeError(w, http.StatusForbidden, rej.Error())
	case errors.Is(err, pipeline.ErrPolicyViolation):
		s.writeError(w, http.StatusForbidden, "outbound policy violation")
	case errors.Is(err, pipeline.ErrNoDocuments):
		s.writeError(w, http.StatusBadRequest, "no documents to index")
	case errors.Is(err, pipeline.ErrProviderExhausted):
		s.writeError(w, http.StatusBadGateway, "provider unavailable after retries")
	case errors.Is(err, pipeline.ErrRetrievalFailed):
		s.writeError(w, http.StatusBadGateway, "retrieval failed")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		s.log.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, "request processing failed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("response write failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
