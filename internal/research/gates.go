package research

import (
	"fmt"

	"github.com/seantiz/crucible/internal/model"
)

// Gate is a pass/fail policy applied to an intermediate result. A
// rejection is reported as a *model.GateError and redirects the research
// to assessment instead of failing it. Any other error fails the research.
type Gate interface {
	Evaluate(result map[string]any) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(result map[string]any) error

// Evaluate calls f(result).
func (f GateFunc) Evaluate(result map[string]any) error {
	return f(result)
}

// AccuracyGate passes training results whose accuracy is at least threshold.
func AccuracyGate(threshold float64) Gate {
	return GateFunc(func(result map[string]any) error {
		acc, ok := lookupFloat(result, "accuracy")
		if !ok {
			return &model.GateError{Gate: "training", Reason: "accuracy missing from training result"}
		}
		if acc < threshold {
			return &model.GateError{Gate: "training", Reason: fmt.Sprintf("accuracy %.4f below threshold %.4f", acc, threshold)}
		}
		return nil
	})
}

// SharpeGate passes backtest results whose Sharpe ratio is above threshold.
func SharpeGate(threshold float64) Gate {
	return GateFunc(func(result map[string]any) error {
		sharpe, ok := lookupFloat(result, "sharpe_ratio")
		if !ok {
			return &model.GateError{Gate: "backtest", Reason: "sharpe_ratio missing from backtest result"}
		}
		if sharpe <= threshold {
			return &model.GateError{Gate: "backtest", Reason: fmt.Sprintf("sharpe_ratio %.4f not above threshold %.4f", sharpe, threshold)}
		}
		return nil
	})
}

// lookupFloat finds key at the top level of result or inside its
// "metrics" or "test_metrics" maps.
func lookupFloat(result map[string]any, key string) (float64, bool) {
	if v, ok := model.Float(result[key]); ok {
		return v, true
	}
	for _, nested := range []string{"metrics", "test_metrics"} {
		if m, ok := result[nested].(map[string]any); ok {
			if v, ok := model.Float(m[key]); ok {
				return v, true
			}
		}
	}
	return 0, false
}
