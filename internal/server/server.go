// Package server exposes the REST API for schedules, runs, and workflows,
// plus the websocket event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/azevedojoel/relay/internal/abort"
	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/internal/queue"
	"github.com/azevedojoel/relay/internal/scheduler"
	"github.com/azevedojoel/relay/internal/workflow"
	"github.com/azevedojoel/relay/pkg/metrics"
	"github.com/azevedojoel/relay/pkg/tracing"
)

// Config holds configuration for the HTTP server.
type Config struct {
	// Port is the port to listen on.
	Port int
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration
	// EnableTracing enables OpenTelemetry tracing for HTTP requests.
	EnableTracing bool
}

// DefaultConfig returns sensible defaults for HTTP server configuration.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		AllowedOrigins: []string{"*"},
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		EnableTracing:  false,
	}
}

// Deps bundles the collaborators the API handlers dispatch into.
type Deps struct {
	Schedules database.ScheduleRepository
	Runs      database.RunRepository
	Workflows database.WorkflowRepository
	WfRuns    database.WorkflowRunRepository

	Submitter *scheduler.Submitter
	AgentJobs *queue.Queue
	WfJobs    *queue.Queue
	Aborts    *abort.Registry
	Engine    *workflow.Engine
	RunStats  *metrics.RunMetrics

	// Events is mounted at /ws when set.
	Events http.Handler

	// Ready reports whether downstream dependencies are reachable. Used by
	// the readiness endpoint; a nil Ready always reports ready.
	Ready func(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	config Config
	deps   Deps
	server *http.Server
	logger zerolog.Logger
}

// New creates a new HTTP API server.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		config: cfg,
		deps:   deps,
		logger: logger.With().Str("component", "http_server").Logger(),
	}
}

// Start starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	handler := s.buildHandler()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info().
		Str("address", addr).
		Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("context cancelled, stopping HTTP server")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	}
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info().Msg("stopping HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// Routes returns the API routes without outer middleware. Exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Schedules
	mux.HandleFunc("POST /api/v1/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/v1/schedules", s.handleListSchedules)
	mux.HandleFunc("GET /api/v1/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/v1/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("POST /api/v1/schedules/{id}/run", s.handleRunScheduleNow)
	mux.HandleFunc("GET /api/v1/schedules/{id}/runs", s.handleListScheduleRuns)

	// Runs
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/abort", s.handleAbortRun)
	mux.HandleFunc("DELETE /api/v1/runs/{id}/queue", s.handleRemovePendingRun)

	// Workflows
	mux.HandleFunc("POST /api/v1/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/v1/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/run", s.handleRunWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/preview", s.handlePreviewWorkflow)
	mux.HandleFunc("GET /api/v1/workflows/{id}/runs", s.handleListWorkflowRuns)

	// Workflow runs
	mux.HandleFunc("GET /api/v1/workflow-runs/{id}", s.handleGetWorkflowRun)
	mux.HandleFunc("POST /api/v1/workflow-runs/{id}/abort", s.handleAbortWorkflowRun)
	mux.HandleFunc("DELETE /api/v1/workflow-runs/{id}/queue", s.handleRemovePendingWorkflowRun)

	// Health
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	// Websocket event stream
	if s.deps.Events != nil {
		mux.Handle("/ws", s.deps.Events)
	}

	return mux
}

// buildHandler builds the HTTP handler with all middleware.
func (s *Server) buildHandler() http.Handler {
	var handler http.Handler = s.Routes()

	handler = s.requestIDMiddleware(handler)
	handler = s.loggingMiddleware(handler)

	if s.config.EnableTracing {
		handler = tracing.Middleware(handler)
	}

	handler = s.corsMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "dependencies not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
