package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/dispatch"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// operationSummary is the list view of an operation.
type operationSummary struct {
	ID                string              `json:"operation_id"`
	Type              model.OperationType `json:"operation_type"`
	Status            model.Status        `json:"status"`
	ParentOperationID string              `json:"parent_operation_id,omitempty"`
	Progress          model.Progress      `json:"progress"`
	CreatedAt         time.Time           `json:"created_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
}

func summarize(op *model.Operation) operationSummary {
	return operationSummary{
		ID:                op.ID,
		Type:              op.Type,
		Status:            op.Status,
		ParentOperationID: op.ParentOperationID,
		Progress:          op.Progress,
		CreatedAt:         op.CreatedAt,
		StartedAt:         op.StartedAt,
		CompletedAt:       op.CompletedAt,
		ErrorMessage:      op.ErrorMessage,
	}
}

// listOperationsResponse wraps the paginated list response.
type listOperationsResponse struct {
	Operations  []operationSummary `json:"operations"`
	TotalCount  int                `json:"total_count"`
	ActiveCount int                `json:"active_count"`
	Limit       int                `json:"limit"`
	Offset      int                `json:"offset"`
}

// cancelRequest is the optional JSON body for DELETE /api/v1/operations/{id}.
type cancelRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	f := store.ListFilter{
		Status: model.Status(q.Get("status")),
		Type:   model.OperationType(q.Get("operation_type")),
		Limit:  limit,
		Offset: offset,
	}
	if f.Status != "" && !validStatus(f.Status) {
		s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(f.Status)))
		return
	}
	if f.Type != "" && !model.ValidOperationType(f.Type) {
		s.writeError(w, http.StatusBadRequest, "unknown operation_type "+strconv.Quote(string(f.Type)))
		return
	}
	if v := q.Get("active_only"); v != "" {
		activeOnly, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "active_only must be a boolean")
			return
		}
		f.ActiveOnly = activeOnly
	}

	res := s.ops.ListOperations(r.Context(), f)
	summaries := make([]operationSummary, len(res.Operations))
	for i, op := range res.Operations {
		summaries[i] = summarize(op)
	}

	s.writeJSON(w, http.StatusOK, listOperationsResponse{
		Operations:  summaries,
		TotalCount:  res.TotalCount,
		ActiveCount: res.ActiveCount,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.ops.GetOperation(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "get operation", http.StatusBadRequest)
		return
	}

	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.ops.CancelOperation(r.Context(), id, req.Reason, req.Force)
	if err != nil {
		s.writeServiceError(w, err, "cancel operation", http.StatusBadRequest)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetryOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.ops.RetryOperation(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "retry operation", http.StatusBadRequest)
		return
	}

	s.writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleResumeOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.ops.Resume(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "resume operation", http.StatusConflict)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	children, err := s.ops.GetChildren(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "get children", http.StatusBadRequest)
		return
	}
	if children == nil {
		children = []*model.Operation{}
	}

	s.writeJSON(w, http.StatusOK, children)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	progress, err := s.ops.GetAggregatedProgress(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "get progress", http.StatusBadRequest)
		return
	}

	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.ops.OperationType(r.Context(), id); err != nil {
		s.writeServiceError(w, err, "get checkpoint", http.StatusBadRequest)
		return
	}
	cp, err := s.checkpoints.LoadCheckpoint(r.Context(), id)
	if err != nil {
		s.logger.Error("load checkpoint", "operation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	if cp == nil {
		s.writeError(w, http.StatusNotFound, "no checkpoint for operation")
		return
	}

	s.writeJSON(w, http.StatusOK, cp)
}

func validStatus(st model.Status) bool {
	switch st {
	case model.StatusPending, model.StatusRunning, model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
		return true
	}
	return false
}

// writeServiceError maps lifecycle errors onto HTTP statuses. Invalid state
// errors use conflictStatus since the endpoints disagree on 400 and 409.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, action string, conflictStatus int) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidState):
		s.writeError(w, conflictStatus, err.Error())
	case errors.Is(err, dispatch.ErrNoWorker):
		s.logger.Warn(action, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, model.ErrConnection), errors.Is(err, model.ErrTimeout):
		s.logger.Warn(action, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error(action, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
