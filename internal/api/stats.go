package api

import (
	"net/http"

	"github.com/seantiz/crucible/internal/store"
)

// statsResponse is the JSON response for GET /api/v1/stats.
type statsResponse struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByType      map[string]int `json:"by_type"`
	Active      int            `json:"active"`
	Workers     int            `json:"workers"`
	BusyWorkers int            `json:"busy_workers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ops.Stats(r.Context())
	if err != nil {
		s.logger.Error("get operation stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:    stats.Total,
		ByStatus: stats.CountByStatus,
		ByType:   stats.CountByType,
		Active:   s.ops.ListOperations(r.Context(), store.ListFilter{ActiveOnly: true, Limit: 1}).ActiveCount,
	}
	for _, wk := range s.workers.List("") {
		resp.Workers++
		if wk.Busy {
			resp.BusyWorkers++
		}
	}
	if resp.ByStatus == nil {
		resp.ByStatus = map[string]int{}
	}
	if resp.ByType == nil {
		resp.ByType = map[string]int{}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
