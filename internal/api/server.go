package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/crucible/internal/checkpoint"
	"github.com/seantiz/crucible/internal/operations"
	"github.com/seantiz/crucible/internal/workers"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and the control plane services.
type Server struct {
	router      *chi.Mux
	ops         *operations.Service
	checkpoints *checkpoint.Service
	workers     *workers.Registry
	logger      *slog.Logger
	addr        string
}

// NewServer creates and configures the backend HTTP server.
func NewServer(addr string, ops *operations.Service, cps *checkpoint.Service, reg *workers.Registry, logger *slog.Logger) *Server {
	srv := &Server{
		router:      chi.NewRouter(),
		ops:         ops,
		checkpoints: cps,
		workers:     reg,
		logger:      logger,
		addr:        addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleGetStats)
		r.Post("/research", s.handleStartResearch)

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", s.handleListOperations)
			r.Get("/{id}", s.handleGetOperation)
			r.Delete("/{id}", s.handleCancelOperation)
			r.Post("/{id}/retry", s.handleRetryOperation)
			r.Post("/{id}/resume", s.handleResumeOperation)
			r.Get("/{id}/children", s.handleGetChildren)
			r.Get("/{id}/progress", s.handleGetProgress)
			r.Get("/{id}/checkpoint", s.handleGetCheckpoint)
			r.Get("/{id}/events", s.handleStreamEvents)
		})

		r.Route("/workers", func(r chi.Router) {
			r.Post("/", s.handleRegisterWorker)
			r.Get("/", s.handleListWorkers)
			r.Delete("/{id}", s.handleDeregisterWorker)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
