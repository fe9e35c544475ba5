// Package worker is the HTTP API of a worker process. A worker runs one
// operation at a time with its own lifecycle service and exposes it to the
// backend's remote proxy.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/operations"
	"github.com/seantiz/crucible/internal/proxy"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	maxBodySize       = 1 << 20 // 1 MB

	restartMessage = "worker restarted while the operation was running"
)

// Info identifies a worker.
type Info struct {
	ID          string
	Type        model.WorkerType
	EndpointURL string
}

// Server serves the worker API.
type Server struct {
	router   *chi.Mux
	ops      *operations.Service
	engine   *engine.Engine
	executor Executor
	info     Info
	logger   *slog.Logger
	addr     string

	mu      sync.Mutex
	current string
}

// NewServer creates a worker server. It registers a terminal hook on ops
// that frees the worker when its operation ends.
func NewServer(addr string, info Info, ops *operations.Service, eng *engine.Engine, exec Executor, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		ops:      ops,
		engine:   eng,
		executor: exec,
		info:     info,
		logger:   logger.With("worker_id", info.ID),
		addr:     addr,
	}
	ops.OnTerminal(srv.onTerminal)

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)

	srv.router.Get("/health", srv.handleHealth)
	srv.router.Handle("/metrics", promhttp.Handler())
	srv.router.Route("/api/v1/operations", func(r chi.Router) {
		r.Post("/", srv.handleStart)
		r.Get("/{id}", srv.handleGet)
		r.Get("/{id}/metrics", srv.handleMetrics)
		r.Get("/{id}/state", srv.handleState)
		r.Delete("/{id}/cancel", srv.handleCancel)
	})

	return srv
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Current returns the id of the operation the worker is running, or "".
func (s *Server) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RecoverOrphans fails operations left running by a previous process of
// this worker. Their tasks died with it; the backend resumes them from its
// checkpoints.
func (s *Server) RecoverOrphans(ctx context.Context) {
	for _, t := range []model.OperationType{model.TypeTraining, model.TypeBacktesting} {
		for _, op := range s.ops.ActiveOperations(t) {
			if err := s.ops.FailOperation(ctx, op.ID, restartMessage); err != nil && !errors.Is(err, model.ErrInvalidState) {
				s.logger.Error("failed to fail orphaned operation", "operation_id", op.ID, "error", err)
				continue
			}
			s.logger.Warn("orphaned operation failed", "operation_id", op.ID)
		}
	}
}

// Run serves until ctx is cancelled, then waits for the running task to
// observe cancellation.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("worker listening", "addr", s.addr, "worker_type", s.info.Type)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("worker shutting down")
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
	s.engine.CancelAll()
	s.engine.Wait()
	s.logger.Info("worker stopped")
	return nil
}

func (s *Server) accepts(t model.OperationType) bool {
	wt, ok := model.WorkerTypeFor(t)
	if !ok {
		return false
	}
	return wt == s.info.Type || (s.info.Type == model.WorkerCPUTraining && wt == model.WorkerTraining)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req proxy.StartRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !s.accepts(req.OperationType) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("%s worker cannot run %s operations", s.info.Type, req.OperationType))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" {
		s.writeError(w, http.StatusConflict, "worker busy with "+s.current)
		return
	}

	job := Job{OperationType: req.OperationType, Parameters: req.Parameters, ResumeFrom: req.ResumeFrom}
	task := func(ctx context.Context, rep *engine.Reporter) (map[string]any, error) {
		job.OperationID = rep.OperationID()
		return s.executor.Execute(ctx, rep, job)
	}
	metadata := model.CloneMap(req.Parameters)
	if req.ResumeFrom != nil && req.ResumeFrom.CheckpointID != "" {
		if metadata == nil {
			metadata = make(map[string]any)
		}
		metadata["resumed_from_checkpoint"] = req.ResumeFrom.CheckpointID
	}

	op, err := s.engine.Submit(r.Context(), req.OperationType, metadata, "", task)
	if err != nil {
		s.logger.Error("start operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start operation")
		return
	}
	if !op.Status.Terminal() {
		s.current = op.ID
	}
	s.logger.Info("operation accepted", "operation_id", op.ID, "type", op.Type, "resumed", req.ResumeFrom != nil)

	s.writeJSON(w, http.StatusCreated, proxy.StartResponse{OperationID: op.ID, Status: op.Status})
}

func (s *Server) onTerminal(_ context.Context, op *model.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == op.ID {
		s.current = ""
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	op, err := s.ops.GetOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeOpError(w, err, "get operation")
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cursor := 0
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer")
			return
		}
		cursor = n
	}

	op, err := s.ops.GetOperation(r.Context(), id)
	if err != nil {
		s.writeOpError(w, err, "get metrics")
		return
	}
	points, next := op.Metrics.Since(model.BucketFor(op.Type), cursor)
	if points == nil {
		points = []model.MetricPoint{}
	}
	s.writeJSON(w, http.StatusOK, proxy.MetricsResponse{OperationID: id, Metrics: points, Cursor: next})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.ops.OperationState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeOpError(w, err, "get state")
		return
	}
	if state == nil {
		state = map[string]any{}
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req proxy.CancelRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.ops.CancelOperation(r.Context(), chi.URLParam(r, "id"), req.Reason, true)
	if err != nil {
		s.writeOpError(w, err, "cancel operation")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := proxy.Health{
		Healthy:      true,
		WorkerID:     s.info.ID,
		WorkerType:   string(s.info.Type),
		WorkerStatus: proxy.WorkerIdle,
	}
	if cur := s.Current(); cur != "" {
		h.WorkerStatus = proxy.WorkerBusy
		h.CurrentOperation = cur
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) writeOpError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(action, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
