package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/crucible/internal/model"
)

// startResearchRequest is the JSON body for POST /api/v1/research.
type startResearchRequest struct {
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	var req startResearchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, ok := req.Parameters[model.MetaPhase]; ok {
		s.writeError(w, http.StatusBadRequest, "parameters must not set phase")
		return
	}

	op, err := s.ops.CreateOperation(r.Context(), model.TypeAgentResearch, req.Parameters, "")
	if err != nil {
		s.logger.Error("create research", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create research")
		return
	}

	s.writeJSON(w, http.StatusAccepted, op)
}
