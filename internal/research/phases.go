package research

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/seantiz/crucible/internal/agent"
	"github.com/seantiz/crucible/internal/dispatch"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/operations"
)

const metaResearchID = "research_operation_id"

// phaseKeys are metadata keys written by the coordinator. Everything else
// in a research's metadata is a caller parameter.
var phaseKeys = map[string]bool{
	model.MetaPhase:               true,
	model.MetaPhaseStartTime:      true,
	model.MetaDesignOpID:          true,
	model.MetaTrainingOpID:        true,
	model.MetaBacktestOpID:        true,
	model.MetaAssessmentOpID:      true,
	model.MetaDesignResult:        true,
	model.MetaTrainingResult:      true,
	model.MetaBacktestResult:      true,
	model.MetaGateRejectionReason: true,
	model.MetaRetryOf:             true,
}

// handle advances one research by at most one phase.
func (c *Coordinator) handle(ctx context.Context, op *model.Operation) error {
	if op.Status == model.StatusPending {
		if err := c.ops.StartOperation(ctx, op.ID, nil); err != nil {
			return fmt.Errorf("start research: %w", err)
		}
		c.logger.Info("research started", "operation_id", op.ID)
	}

	switch phase := model.Phase(op.MetadataString(model.MetaPhase)); phase {
	case "", model.PhaseIdle:
		if mapValue(op.Metadata[model.MetaDesignResult]) != nil {
			return c.handleDesigning(ctx, op)
		}
		return c.startDesign(ctx, op)
	case model.PhaseDesigning:
		return c.handleDesigning(ctx, op)
	case model.PhaseTraining:
		return c.handleTraining(ctx, op)
	case model.PhaseBacktesting:
		return c.handleBacktesting(ctx, op)
	case model.PhaseAssessing:
		return c.handleAssessing(ctx, op)
	default:
		return fmt.Errorf("research in unexpected phase %q", phase)
	}
}

func (c *Coordinator) startDesign(ctx context.Context, op *model.Operation) error {
	params := researchParams(op)
	task := func(ctx context.Context, r *engine.Reporter) (map[string]any, error) {
		_ = r.Progress(model.Progress{Percentage: 10, CurrentStep: "designing strategy"})
		d, err := c.designer.Design(ctx, agent.DesignRequest{ResearchID: op.ID, Parameters: params})
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			model.MetaStrategyPath: d.StrategyPath,
			"strategy_name":        d.StrategyName,
			"hypothesis":           d.Hypothesis,
		}
		if d.Details != nil {
			out["details"] = d.Details
		}
		return out, nil
	}

	child, err := c.engine.Submit(ctx, model.TypeAgentDesign, map[string]any{metaResearchID: op.ID}, op.ID, task)
	if err != nil {
		return &model.WorkerError{Phase: model.PhaseDesigning, Err: err}
	}
	return c.enterPhase(ctx, op, model.PhaseDesigning, map[string]any{model.MetaDesignOpID: child.ID}, child.ID)
}

// handleDesigning waits for the design child, then moves on to training
// once a training worker can be claimed. The design result is cached in
// metadata so a research queued for a worker never designs twice.
func (c *Coordinator) handleDesigning(ctx context.Context, op *model.Operation) error {
	if design := mapValue(op.Metadata[model.MetaDesignResult]); design != nil {
		return c.startTraining(ctx, op, design)
	}

	childID := op.MetadataString(model.MetaDesignOpID)
	if childID == "" {
		return c.startDesign(ctx, op)
	}
	child, err := c.ops.GetOperation(ctx, childID)
	if err != nil {
		return c.childError(model.PhaseDesigning, childID, err)
	}

	switch child.Status {
	case model.StatusCompleted:
		design := nonNil(child.ResultSummary)
		if _, err := c.ops.UpdateMetadata(ctx, op.ID, map[string]any{model.MetaDesignResult: design}); err != nil {
			return err
		}
		return c.startTraining(ctx, op, design)
	case model.StatusFailed, model.StatusCancelled:
		return childFailed(model.PhaseDesigning, child)
	default:
		return nil
	}
}

func (c *Coordinator) startTraining(ctx context.Context, op *model.Operation, design map[string]any) error {
	params := researchParams(op)
	params[model.MetaStrategyPath] = design[model.MetaStrategyPath]
	params[metaResearchID] = op.ID

	child, err := c.dispatch.Dispatch(ctx, model.TypeTraining, params, op.ID)
	if errors.Is(err, dispatch.ErrNoWorker) {
		c.logger.Debug("research waiting for a training worker", "operation_id", op.ID)
		return nil
	}
	if err != nil {
		return &model.WorkerError{Phase: model.PhaseTraining, Err: err}
	}
	return c.enterPhase(ctx, op, model.PhaseTraining, map[string]any{model.MetaTrainingOpID: child.ID}, child.ID)
}

func (c *Coordinator) handleTraining(ctx context.Context, op *model.Operation) error {
	if result := mapValue(op.Metadata[model.MetaTrainingResult]); result != nil {
		return c.afterTraining(ctx, op, result)
	}

	childID := op.MetadataString(model.MetaTrainingOpID)
	if childID == "" {
		return c.startTraining(ctx, op, nonNil(mapValue(op.Metadata[model.MetaDesignResult])))
	}
	child, err := c.ops.GetOperation(ctx, childID)
	if err != nil {
		return c.childError(model.PhaseTraining, childID, err)
	}

	switch child.Status {
	case model.StatusCompleted:
		result := nonNil(child.ResultSummary)
		if _, err := c.ops.UpdateMetadata(ctx, op.ID, map[string]any{model.MetaTrainingResult: result}); err != nil {
			return err
		}
		return c.afterTraining(ctx, op, result)
	case model.StatusFailed, model.StatusCancelled:
		return childFailed(model.PhaseTraining, child)
	default:
		return nil
	}
}

// afterTraining applies the training gate. A rejection skips the backtest;
// otherwise the research waits in training until a backtest worker is free.
func (c *Coordinator) afterTraining(ctx context.Context, op *model.Operation, result map[string]any) error {
	if err := c.opts.TrainingGate.Evaluate(result); err != nil {
		if !model.IsGateError(err) {
			return err
		}
		c.logger.Info("training gate rejected", "operation_id", op.ID, "reason", err)
		return c.startAssessment(ctx, op, err.Error())
	}

	params := researchParams(op)
	if design := mapValue(op.Metadata[model.MetaDesignResult]); design != nil {
		params[model.MetaStrategyPath] = design[model.MetaStrategyPath]
	}
	if modelPath, ok := result["model_path"]; ok {
		params["model_path"] = modelPath
	}
	params[metaResearchID] = op.ID

	child, err := c.dispatch.Dispatch(ctx, model.TypeBacktesting, params, op.ID)
	if errors.Is(err, dispatch.ErrNoWorker) {
		c.logger.Debug("research waiting for a backtest worker", "operation_id", op.ID)
		return nil
	}
	if err != nil {
		return &model.WorkerError{Phase: model.PhaseBacktesting, Err: err}
	}
	return c.enterPhase(ctx, op, model.PhaseBacktesting, map[string]any{model.MetaBacktestOpID: child.ID}, child.ID)
}

func (c *Coordinator) handleBacktesting(ctx context.Context, op *model.Operation) error {
	childID := op.MetadataString(model.MetaBacktestOpID)
	if childID == "" {
		training := nonNil(mapValue(op.Metadata[model.MetaTrainingResult]))
		return c.afterTraining(ctx, op, training)
	}
	child, err := c.ops.GetOperation(ctx, childID)
	if err != nil {
		return c.childError(model.PhaseBacktesting, childID, err)
	}

	switch child.Status {
	case model.StatusCompleted:
		result := nonNil(child.ResultSummary)
		if _, err := c.ops.UpdateMetadata(ctx, op.ID, map[string]any{model.MetaBacktestResult: result}); err != nil {
			return err
		}
		reason := ""
		if err := c.opts.BacktestGate.Evaluate(result); err != nil {
			if !model.IsGateError(err) {
				return err
			}
			c.logger.Info("backtest gate rejected", "operation_id", op.ID, "reason", err)
			reason = err.Error()
		}
		return c.startAssessment(ctx, op, reason)
	case model.StatusFailed, model.StatusCancelled:
		return childFailed(model.PhaseBacktesting, child)
	default:
		return nil
	}
}

// startAssessment launches the assessment child with every result the
// research has so far. The backtest result is absent when the training gate
// rejected the model.
func (c *Coordinator) startAssessment(ctx context.Context, op *model.Operation, reason string) error {
	cur, err := c.ops.GetOperation(ctx, op.ID)
	if err != nil {
		return err
	}
	req := agent.AssessmentRequest{
		ResearchID:          op.ID,
		Design:              mapValue(cur.Metadata[model.MetaDesignResult]),
		Training:            mapValue(cur.Metadata[model.MetaTrainingResult]),
		Backtest:            mapValue(cur.Metadata[model.MetaBacktestResult]),
		GateRejectionReason: reason,
	}
	task := func(ctx context.Context, r *engine.Reporter) (map[string]any, error) {
		_ = r.Progress(model.Progress{Percentage: 10, CurrentStep: "assessing results"})
		a, err := c.assessor.Assess(ctx, req)
		if err != nil {
			return nil, err
		}
		return a.Summary(), nil
	}

	child, err := c.engine.Submit(ctx, model.TypeAgentAssessment, map[string]any{metaResearchID: op.ID}, op.ID, task)
	if err != nil {
		return &model.WorkerError{Phase: model.PhaseAssessing, Err: err}
	}
	values := map[string]any{
		model.MetaAssessmentOpID:      child.ID,
		model.MetaGateRejectionReason: nil,
	}
	if reason != "" {
		values[model.MetaGateRejectionReason] = reason
	}
	return c.enterPhase(ctx, cur, model.PhaseAssessing, values, child.ID)
}

func (c *Coordinator) handleAssessing(ctx context.Context, op *model.Operation) error {
	childID := op.MetadataString(model.MetaAssessmentOpID)
	if childID == "" {
		return c.startAssessment(ctx, op, op.MetadataString(model.MetaGateRejectionReason))
	}
	child, err := c.ops.GetOperation(ctx, childID)
	if err != nil {
		return c.childError(model.PhaseAssessing, childID, err)
	}

	switch child.Status {
	case model.StatusCompleted:
		summary := nonNil(model.CloneMap(child.ResultSummary))
		if design := mapValue(op.Metadata[model.MetaDesignResult]); design != nil {
			summary[model.MetaStrategyPath] = design[model.MetaStrategyPath]
		}
		if reason := op.MetadataString(model.MetaGateRejectionReason); reason != "" {
			summary[model.MetaGateRejectionReason] = reason
		}
		if err := c.setPhase(ctx, op, model.PhaseCompleted, nil); err != nil {
			return err
		}
		if err := c.ops.CompleteOperation(ctx, op.ID, summary); err != nil {
			return err
		}
		c.logger.Info("research completed", "operation_id", op.ID, "verdict", summary["verdict"])
		return nil
	case model.StatusFailed, model.StatusCancelled:
		return childFailed(model.PhaseAssessing, child)
	default:
		return nil
	}
}

// setPhase records a phase change in metadata along with extra values.
func (c *Coordinator) setPhase(ctx context.Context, op *model.Operation, to model.Phase, values map[string]any) error {
	from := model.Phase(op.MetadataString(model.MetaPhase))
	md := map[string]any{
		model.MetaPhase:          string(to),
		model.MetaPhaseStartTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
	maps.Copy(md, values)
	if _, err := c.ops.UpdateActiveMetadata(ctx, op.ID, md); err != nil {
		return fmt.Errorf("record phase %s: %w", to, err)
	}
	if from != to {
		phaseTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		c.logger.Info("research phase changed", "operation_id", op.ID, "from", from, "to", to)
	}
	if !to.Terminal() {
		if err := c.ops.UpdateProgress(ctx, op.ID, model.Progress{Percentage: operations.PhaseStart(to), CurrentStep: string(to)}); err != nil {
			c.logger.Debug("research progress not updated", "operation_id", op.ID, "error", err)
		}
	}
	return nil
}

// enterPhase records the phase a freshly started child belongs to. A
// research that ended while the child was starting keeps its terminal
// phase and the child is cancelled.
func (c *Coordinator) enterPhase(ctx context.Context, op *model.Operation, to model.Phase, values map[string]any, childID string) error {
	err := c.setPhase(ctx, op, to, values)
	c.guardChild(ctx, op.ID, childID)
	if errors.Is(err, model.ErrInvalidState) {
		c.logger.Info("research ended while its child was starting", "operation_id", op.ID, "phase", to, "child_operation_id", childID)
		return nil
	}
	return err
}

// guardChild cancels a freshly started child whose research finished while
// the child was being started.
func (c *Coordinator) guardChild(ctx context.Context, researchID, childID string) {
	op, err := c.ops.GetOperation(ctx, researchID)
	if err != nil || !op.Status.Terminal() {
		return
	}
	c.cancelChild(ctx, childID, operations.ParentCancelledReason)
}

// childError classifies a failure to read a child. Transient worker errors
// are logged and retried on the next cycle.
func (c *Coordinator) childError(phase model.Phase, childID string, err error) error {
	if errors.Is(err, model.ErrConnection) || errors.Is(err, model.ErrTimeout) {
		c.logger.Warn("research child unreachable", "phase", phase, "child_operation_id", childID, "error", err)
		return nil
	}
	return &model.WorkerError{Phase: phase, Err: err}
}

func childFailed(phase model.Phase, child *model.Operation) error {
	msg := child.ErrorMessage
	if msg == "" {
		msg = "child operation " + string(child.Status)
	}
	return &model.WorkerError{Phase: phase, Err: errors.New(msg)}
}

// researchParams returns the caller-supplied parameters of a research.
func researchParams(op *model.Operation) map[string]any {
	out := make(map[string]any, len(op.Metadata))
	for k, v := range op.Metadata {
		if !phaseKeys[k] {
			out[k] = v
		}
	}
	return model.CloneMap(out)
}

func mapValue(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
