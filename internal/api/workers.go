package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
)

// registerWorkerRequest is the JSON body for POST /api/v1/workers.
type registerWorkerRequest struct {
	WorkerID           string           `json:"worker_id"`
	WorkerType         model.WorkerType `json:"worker_type"`
	EndpointURL        string           `json:"endpoint_url"`
	CurrentOperationID string           `json:"current_operation_id"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	worker, err := s.workers.Register(model.Worker{
		ID:                 req.WorkerID,
		Type:               req.WorkerType,
		EndpointURL:        req.EndpointURL,
		CurrentOperationID: req.CurrentOperationID,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	t := model.WorkerType(r.URL.Query().Get("type"))
	workers := s.workers.List(t)
	if workers == nil {
		workers = []model.Worker{}
	}
	s.writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.workers.Deregister(id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.logger.Error("deregister worker", "worker_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to deregister worker")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
