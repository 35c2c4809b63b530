// Package api provides the HTTP API server for the build engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/buildengine/internal/api/handlers"
	"github.com/narvanalabs/buildengine/internal/api/health"
	"github.com/narvanalabs/buildengine/internal/api/middleware"
	"github.com/narvanalabs/buildengine/internal/builder/metrics"
	"github.com/narvanalabs/buildengine/internal/logs"
	"github.com/narvanalabs/buildengine/internal/store"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Config holds HTTP server settings.
type Config struct {
	Host string
	Port int
	// RequestTimeout bounds ordinary requests. Log streams are exempt.
	RequestTimeout time.Duration
	// ProjectArnPrefix is prepended to project names to form project ARNs.
	ProjectArnPrefix string
}

// Engine is the build orchestrator as seen by the API.
type Engine interface {
	handlers.BuildService
	Active() int
	Queued() int
}

// Deps are the components the API serves.
type Deps struct {
	Store   store.Store
	Engine  Engine
	Sink    handlers.LogTailer
	Broker  *logs.Broker
	Metrics metrics.BuildMetricsCollector
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	config        Config
	deps          Deps
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
	}

	s.healthChecker = health.NewChecker(deps.Store, Version)
	s.healthChecker.SetStats(func() map[string]int {
		return map[string]int{
			"active_builds":   deps.Engine.Active(),
			"queued_builds":   deps.Engine.Queued(),
			"log_subscribers": deps.Broker.SubscriberCount(),
		}
	})

	s.setupRouter()
	return s
}

// HealthChecker returns the checker behind /health so callers can add
// components such as Redis.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	projects := handlers.NewProjectHandler(s.deps.Store.Projects(), s.config.ProjectArnPrefix, s.logger)
	builds := handlers.NewBuildHandler(s.deps.Engine, s.logger)
	logHandler := handlers.NewLogHandler(s.deps.Engine, s.deps.Store.Logs(), s.deps.Sink, s.deps.Broker, s.logger)
	metricsHandler := handlers.NewMetricsHandler(s.deps.Metrics, s.logger)

	// Long-lived log streams are exempt from the request timeout.
	r.Get("/v1/builds/{buildID}/logs/stream", logHandler.Stream)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(s.config.RequestTimeout))

		r.Get("/health", s.healthChecker.Handler())

		r.Route("/v1", func(r chi.Router) {
			r.Route("/projects", func(r chi.Router) {
				r.Post("/", projects.Create)
				r.Get("/", projects.List)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", projects.Get)
					r.Put("/", projects.Update)
					r.Delete("/", projects.Delete)
					r.Post("/builds", builds.Start)
					r.Get("/builds", builds.List)
				})
			})

			r.Route("/builds", func(r chi.Router) {
				r.Post("/batch-get", builds.BatchGet)
				r.Route("/{buildID}", func(r chi.Router) {
					r.Get("/", builds.Get)
					r.Post("/stop", builds.Stop)
					r.Post("/retry", builds.Retry)
					r.Get("/logs", logHandler.Get)
					r.Get("/metrics", metricsHandler.Build)
				})
			})

			r.Get("/metrics", metricsHandler.Aggregate)
		})
	})

	s.router = r
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
