package api

import (
	"net/http"

	"github.com/seantiz/crucible/internal/store"
)

// healthResponse reports liveness plus a little in-memory state. It never
// touches the database or a worker, so it stays cheap enough for load balancer checks.
type healthResponse struct {
	Status           string `json:"status"`
	ActiveOperations int    `json:"active_operations"`
	Workers          int    `json:"workers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	active := s.ops.ListOperations(r.Context(), store.ListFilter{ActiveOnly: true, Limit: 1}).ActiveCount
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		ActiveOperations: active,
		Workers:          len(s.workers.List("")),
	})
}
