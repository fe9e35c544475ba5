// Package research drives agent research operations through their phases:
// design, training, backtesting and assessment. Design and assessment run
// in-process; training and backtesting run on workers.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/agent"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/operations"
)

const (
	// DefaultPollInterval is the time between coordinator cycles.
	DefaultPollInterval = 2 * time.Second
	// DefaultHandlerTimeout bounds one phase handler invocation.
	DefaultHandlerTimeout = 30 * time.Second
	// DefaultAccuracyThreshold is the minimum training accuracy.
	DefaultAccuracyThreshold = 0.10

	parentFailedReason = "Parent operation failed"
)

// Designer produces a strategy design.
type Designer interface {
	Design(ctx context.Context, req agent.DesignRequest) (*agent.DesignResult, error)
}

// Assessor judges a finished research.
type Assessor interface {
	Assess(ctx context.Context, req agent.AssessmentRequest) (*agent.Assessment, error)
}

// Dispatcher runs operations on workers. Dispatch returns an error
// matching dispatch.ErrNoWorker when every suitable worker is busy.
type Dispatcher interface {
	Dispatch(ctx context.Context, t model.OperationType, params map[string]any, parentID string) (*model.Operation, error)
}

// Options configures a Coordinator.
type Options struct {
	PollInterval   time.Duration
	HandlerTimeout time.Duration
	TrainingGate   Gate
	BacktestGate   Gate
}

// Coordinator runs the research state machine for every active research.
type Coordinator struct {
	ops      *operations.Service
	engine   *engine.Engine
	designer Designer
	assessor Assessor
	dispatch Dispatcher
	logger   *slog.Logger
	opts     Options

	cycleMu sync.Mutex
}

// New creates a coordinator. Unset options take their defaults.
func New(ops *operations.Service, eng *engine.Engine, designer Designer, assessor Assessor, dispatcher Dispatcher, logger *slog.Logger, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.TrainingGate == nil {
		opts.TrainingGate = AccuracyGate(DefaultAccuracyThreshold)
	}
	if opts.BacktestGate == nil {
		opts.BacktestGate = SharpeGate(0)
	}
	return &Coordinator{
		ops:      ops,
		engine:   eng,
		designer: designer,
		assessor: assessor,
		dispatch: dispatcher,
		logger:   logger,
		opts:     opts,
	}
}

// Register installs the coordinator's hooks on the lifecycle service:
// terminal phase bookkeeping, retry of researches and resume from
// checkpoints.
func (c *Coordinator) Register() {
	c.ops.OnTerminal(c.onTerminal)
	c.ops.SetStarter(model.TypeAgentResearch, func(context.Context, *model.Operation) error {
		// Pending researches are picked up by the next cycle.
		return nil
	})
	c.ops.SetResumer(model.TypeAgentResearch, c.resume)
}

// Run recovers orphaned phases, then runs a cycle every poll interval
// until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Recover(ctx); err != nil {
		c.logger.Error("research recovery failed", "error", err)
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	c.logger.Info("research coordinator started", "poll_interval", c.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("research coordinator stopped")
			return ctx.Err()
		case <-ticker.C:
			c.RunCycle(ctx)
		}
	}
}

// RunCycle advances every active research once. Handlers run concurrently
// and are launched in creation order. A failing or panicking handler fails
// only its own research.
func (c *Coordinator) RunCycle(ctx context.Context) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := time.Now()
	active := c.ops.ActiveOperations(model.TypeAgentResearch)

	var g errgroup.Group
	for _, op := range active {
		g.Go(func() error {
			c.runHandler(ctx, op)
			return nil
		})
	}
	_ = g.Wait()
	cycleDuration.Observe(time.Since(start).Seconds())
}

func (c *Coordinator) runHandler(ctx context.Context, op *model.Operation) {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandlerTimeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("research handler panicked: %v", p)
			}
		}()
		err = c.handle(hctx, op)
	}()
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	handlerFailuresTotal.Inc()
	c.failResearch(context.WithoutCancel(ctx), op.ID, err)
}

// failResearch fails a research and cancels the child of its current phase.
func (c *Coordinator) failResearch(ctx context.Context, id string, cause error) {
	if err := c.ops.FailOperation(ctx, id, cause.Error()); err != nil {
		if !errors.Is(err, model.ErrInvalidState) {
			c.logger.Error("failed to fail research", "operation_id", id, "error", err)
		}
		return
	}
	c.logger.Warn("research failed", "operation_id", id, "error", cause)

	op, err := c.ops.GetOperation(ctx, id)
	if err != nil {
		return
	}
	phase := model.Phase(op.MetadataString(model.MetaPhase))
	if childID := op.MetadataString(phase.ChildKey()); childID != "" {
		c.cancelChild(ctx, childID, parentFailedReason)
	}
}

func (c *Coordinator) cancelChild(ctx context.Context, childID, reason string) {
	if _, err := c.ops.CancelOperation(ctx, childID, reason, true); err != nil && !errors.Is(err, model.ErrInvalidState) {
		c.logger.Warn("failed to cancel research child", "child_operation_id", childID, "error", err)
	}
}

// onTerminal records the terminal phase of a finished research.
func (c *Coordinator) onTerminal(ctx context.Context, op *model.Operation) {
	if op.Type != model.TypeAgentResearch {
		return
	}
	var phase model.Phase
	switch op.Status {
	case model.StatusCompleted:
		phase = model.PhaseCompleted
	case model.StatusFailed:
		phase = model.PhaseFailed
	case model.StatusCancelled:
		phase = model.PhaseCancelled
	}
	from := model.Phase(op.MetadataString(model.MetaPhase))
	if from == phase {
		return
	}
	if _, err := c.ops.UpdateMetadata(ctx, op.ID, map[string]any{model.MetaPhase: string(phase)}); err != nil {
		c.logger.Warn("failed to record terminal phase", "operation_id", op.ID, "error", err)
		return
	}
	phaseTransitionsTotal.WithLabelValues(string(from), string(phase)).Inc()
}

// Recover handles in-process children lost with a previous backend
// process. Such a child is failed and its phase restarts on the next
// cycle. Worker-hosted children need nothing: their bindings were rebuilt
// when operations were loaded and polling simply continues.
func (c *Coordinator) Recover(ctx context.Context) error {
	var g errgroup.Group
	for _, op := range c.ops.ActiveOperations(model.TypeAgentResearch) {
		phase := model.Phase(op.MetadataString(model.MetaPhase))
		if !phase.InProcess() {
			continue
		}
		childID := op.MetadataString(phase.ChildKey())
		if childID == "" {
			continue
		}
		g.Go(func() error {
			return c.recoverChild(ctx, op.ID, phase, childID)
		})
	}
	return g.Wait()
}

func (c *Coordinator) recoverChild(ctx context.Context, researchID string, phase model.Phase, childID string) error {
	child, err := c.ops.GetOperation(ctx, childID)
	if err == nil && (child.Status == model.StatusCompleted || c.engine.Running(childID)) {
		return nil
	}
	if err == nil && !child.Status.Terminal() {
		if ferr := c.ops.FailOperation(ctx, childID, "in-process task lost on backend restart"); ferr != nil && !errors.Is(ferr, model.ErrInvalidState) {
			return fmt.Errorf("fail orphaned child %s: %w", childID, ferr)
		}
	}
	if _, err := c.ops.UpdateMetadata(ctx, researchID, map[string]any{phase.ChildKey(): nil}); err != nil {
		return fmt.Errorf("reset %s phase of %s: %w", phase, researchID, err)
	}
	c.logger.Info("orphaned research phase restarted", "operation_id", researchID, "phase", phase, "child_operation_id", childID)
	return nil
}

// resume restores the phase a research was in when its checkpoint was
// taken. The child of that phase is dropped unless it is still usable, so
// the next cycle restarts the phase. Cached phase results are kept.
func (c *Coordinator) resume(ctx context.Context, op *model.Operation, cp *model.Checkpoint) error {
	var phase model.Phase
	if md, ok := cp.State["metadata"].(map[string]any); ok {
		if p, ok := md[model.MetaPhase].(string); ok {
			phase = model.Phase(p)
		}
	}
	values := map[string]any{model.MetaPhase: nil}
	if phase != "" && !phase.Terminal() && phase != model.PhaseIdle {
		values[model.MetaPhase] = string(phase)
		if key := phase.ChildKey(); key != "" {
			if childID := op.MetadataString(key); childID != "" && !c.childUsable(ctx, childID) {
				values[key] = nil
			}
		}
	}
	if _, err := c.ops.UpdateMetadata(ctx, op.ID, values); err != nil {
		return err
	}
	c.logger.Info("research resumed", "operation_id", op.ID, "phase", phase, "checkpoint_id", cp.ID)
	return nil
}

func (c *Coordinator) childUsable(ctx context.Context, childID string) bool {
	child, err := c.ops.GetOperation(ctx, childID)
	if err != nil {
		return false
	}
	if child.Status == model.StatusCompleted {
		return true
	}
	return child.Status == model.StatusRunning && (c.ops.IsRemote(childID) || c.engine.Running(childID))
}
