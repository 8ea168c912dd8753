// Package api exposes the orchestrator over HTTP: project CRUD, job
// enqueue/query/cancel, advisory progress, health, and a WebSocket feed
// of live job updates.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stagehand/internal/applog"
	"stagehand/pkg/eventlog"
	"stagehand/pkg/protocol"
	"stagehand/pkg/queuestore"
)

// JobController is the dispatcher surface the API drives. Cancellation
// and project deletion go through the dispatcher so session teardown
// happens synchronously with the state change.
type JobController interface {
	Cancel(ctx context.Context, projectID, jobID string) error
	OnProjectDeleted(ctx context.Context, projectID string) error
	Uptime() time.Duration
}

// SessionLister reports running worker sessions for health output.
type SessionLister interface {
	Live() ([]string, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
}

// Server is the HTTP API server.
type Server struct {
	config   Config
	store    *queuestore.Store
	ctrl     JobController
	sessions SessionLister
	events   *eventlog.Log // optional; nil disables audit/progress reads
	hub      *Hub
	logger   *slog.Logger
	server   *http.Server
}

// New creates an API server. events may be nil.
func New(config Config, store *queuestore.Store, ctrl JobController, sessions SessionLister, events *eventlog.Log) *Server {
	return &Server{
		config:   config,
		store:    store,
		ctrl:     ctrl,
		sessions: sessions,
		events:   events,
		hub:      NewHub(store),
		logger:   applog.WithComponent("api"),
	}
}

// Hub returns the live-update hub, for wiring into the dispatcher as its
// broadcaster.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the chi router. Exposed for httptest.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.handleWS)

	r.Get("/projects", s.handleListProjects)
	r.Post("/projects", s.handleCreateProject)
	r.Delete("/projects/{projectID}", s.handleDeleteProject)

	r.Post("/projects/{projectID}/jobs", s.handleEnqueue)
	r.Get("/projects/{projectID}/jobs", s.handleListJobs)

	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Post("/jobs/{jobID}/cancel", s.handleCancel)
	r.Get("/jobs/{jobID}/progress", s.handleProgress)

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// findJob resolves a job id to its queue document across projects.
func (s *Server) findJob(jobID string) (*protocol.Job, error) {
	return s.store.FindJob(jobID)
}
