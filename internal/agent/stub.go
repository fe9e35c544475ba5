package agent

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewStubHandler serves deterministic designs and assessments with the same
// wire format as the real agent service. It backs local test setups.
func NewStubHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/design", func(w http.ResponseWriter, r *http.Request) {
		var req DesignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeStubJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
			return
		}
		name := "momentum"
		if s, ok := req.Parameters["strategy_name"].(string); ok && s != "" {
			name = s
		}
		writeStubJSON(w, http.StatusOK, DesignResult{
			StrategyPath: fmt.Sprintf("strategies/%s_%s.yaml", name, req.ResearchID),
			StrategyName: name,
			Hypothesis:   "price momentum persists over short horizons",
		})
	})
	r.Post("/v1/assess", func(w http.ResponseWriter, r *http.Request) {
		var req AssessmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeStubJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
			return
		}
		a := Assessment{
			Verdict:     "promising",
			Strengths:   []string{"model converged"},
			Weaknesses:  []string{},
			Suggestions: []string{"extend the backtest window"},
		}
		if req.GateRejectionReason != "" {
			a.Verdict = "rejected"
			a.Weaknesses = append(a.Weaknesses, req.GateRejectionReason)
			a.Suggestions = []string{"revisit the feature set"}
		}
		writeStubJSON(w, http.StatusOK, a)
	})
	return r
}

func writeStubJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
