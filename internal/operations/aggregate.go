package operations

import (
	"context"

	"github.com/seantiz/crucible/internal/model"
)

// phaseSlice is the part of a research's 0-100 range one phase occupies.
type phaseSlice struct {
	start, end float64
}

var phaseSlices = map[model.Phase]phaseSlice{
	model.PhaseDesigning:   {0, 5},
	model.PhaseTraining:    {5, 80},
	model.PhaseBacktesting: {80, 95},
	model.PhaseAssessing:   {95, 100},
}

// AggregatedProgress is a parent's progress with its active child folded in.
type AggregatedProgress struct {
	OperationID      string       `json:"operation_id"`
	Status           model.Status `json:"status"`
	Percentage       float64      `json:"percentage"`
	CurrentStep      string       `json:"current_step"`
	ChildOperationID string       `json:"child_operation_id,omitempty"`
	ChildPercentage  float64      `json:"child_percentage,omitempty"`
}

// GetAggregatedProgress maps the progress of the child tracked for the
// current phase into that phase's slice of the parent's range. Operations
// without a phase report their own progress.
func (s *Service) GetAggregatedProgress(ctx context.Context, id string) (*AggregatedProgress, error) {
	op, err := s.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &AggregatedProgress{
		OperationID: id,
		Status:      op.Status,
		Percentage:  op.Progress.Percentage,
		CurrentStep: op.Progress.CurrentStep,
	}
	phase := model.Phase(op.MetadataString(model.MetaPhase))
	if phase != "" {
		res.CurrentStep = string(phase)
	}
	if op.Status == model.StatusCompleted {
		res.Percentage = 100
		return res, nil
	}

	slice, ok := phaseSlices[phase]
	if !ok {
		return res, nil
	}
	res.Percentage = slice.start

	childID := op.MetadataString(phase.ChildKey())
	if childID == "" {
		return res, nil
	}
	child, err := s.GetOperation(ctx, childID)
	if err != nil {
		s.logger.Warn("child progress unavailable", "operation_id", id, "child_operation_id", childID, "error", err)
		return res, nil
	}

	pct := min(max(child.Progress.Percentage, 0), 100)
	if child.Status == model.StatusCompleted {
		pct = 100
	}
	res.ChildOperationID = childID
	res.ChildPercentage = pct
	res.Percentage = slice.start + (slice.end-slice.start)*pct/100
	return res, nil
}

// PhaseStart returns where phase p begins in a research's 0-100 range.
func PhaseStart(p model.Phase) float64 {
	return phaseSlices[p].start
}
