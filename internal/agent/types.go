package agent

// DesignRequest asks the agent to design a strategy for a research.
type DesignRequest struct {
	ResearchID string         `json:"research_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DesignResult is the agent's strategy design.
type DesignResult struct {
	StrategyPath string         `json:"strategy_path"`
	StrategyName string         `json:"strategy_name,omitempty"`
	Hypothesis   string         `json:"hypothesis,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// AssessmentRequest carries everything a research produced to the agent.
// Backtest is nil when the training gate rejected the model.
type AssessmentRequest struct {
	ResearchID          string         `json:"research_id"`
	Design              map[string]any `json:"design,omitempty"`
	Training            map[string]any `json:"training,omitempty"`
	Backtest            map[string]any `json:"backtest"`
	GateRejectionReason string         `json:"gate_rejection_reason,omitempty"`
}

// Assessment is the agent's verdict on a research.
type Assessment struct {
	Verdict     string   `json:"verdict"`
	Strengths   []string `json:"strengths"`
	Weaknesses  []string `json:"weaknesses"`
	Suggestions []string `json:"suggestions"`
}

// Summary converts the assessment into an operation result summary.
func (a *Assessment) Summary() map[string]any {
	return map[string]any{
		"verdict":     a.Verdict,
		"strengths":   toAny(a.Strengths),
		"weaknesses":  toAny(a.Weaknesses),
		"suggestions": toAny(a.Suggestions),
	}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// errorResponse is the error body returned by the agent service.
type errorResponse struct {
	Error string `json:"error"`
}
