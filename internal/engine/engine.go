package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/operations"
)

// Task is the body of an in-process operation. The returned map becomes the
// operation's result summary. Tasks must return promptly once ctx is done.
type Task func(ctx context.Context, r *Reporter) (map[string]any, error)

// Engine launches tasks for operations tracked by the lifecycle service.
type Engine struct {
	ops     *operations.Service
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewEngine creates an engine. A positive timeout bounds every task.
func NewEngine(ops *operations.Service, logger *slog.Logger, timeout time.Duration) *Engine {
	return &Engine{
		ops:     ops,
		logger:  logger,
		timeout: timeout,
		running: make(map[string]context.CancelFunc),
	}
}

// Submit creates an operation of type t, moves it to RUNNING and runs task
// in a goroutine. The returned copy reflects the RUNNING operation.
func (e *Engine) Submit(ctx context.Context, t model.OperationType, metadata map[string]any, parentID string, task Task) (*model.Operation, error) {
	op, err := e.ops.CreateOperation(ctx, t, metadata, parentID)
	if err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	if err := e.Start(ctx, op.ID, task); err != nil {
		return nil, err
	}
	return e.ops.GetOperation(ctx, op.ID)
}

// Start runs task for an existing PENDING operation.
func (e *Engine) Start(ctx context.Context, id string, task Task) error {
	taskCtx, cancel := e.taskContext()
	if err := e.ops.StartOperation(ctx, id, cancel); err != nil {
		cancel()
		return fmt.Errorf("start operation: %w", err)
	}
	e.launch(taskCtx, cancel, id, task)
	return nil
}

// Running reports whether a task for operation id is still executing in
// this process.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// CancelAll cancels every running task. Operations are left for the
// lifecycle service to finalize.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.running {
		cancel()
	}
}

// Wait blocks until all in-flight tasks return.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) taskContext() (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(context.Background(), e.timeout)
	}
	return context.WithCancel(context.Background())
}

func (e *Engine) launch(ctx context.Context, cancel context.CancelFunc, id string, task Task) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()

	e.wg.Go(func() {
		defer func() {
			e.mu.Lock()
			delete(e.running, id)
			e.mu.Unlock()
			cancel()
		}()
		e.execute(ctx, id, task)
	})
}

// execute runs one task and records its outcome. A task that returns after
// its operation was cancelled leaves the operation CANCELLED.
func (e *Engine) execute(ctx context.Context, id string, task Task) {
	r := &Reporter{ops: e.ops, id: id, logger: e.logger}
	start := time.Now()

	result, err := e.run(ctx, task, r)

	if err != nil {
		msg := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("operation timed out after %s", e.timeout)
		}
		if ferr := e.ops.FailOperation(context.Background(), id, msg); ferr != nil && !errors.Is(ferr, model.ErrInvalidState) {
			e.logger.Error("failed to record task failure", "operation_id", id, "error", ferr)
		}
		e.logger.Info("task finished", "operation_id", id, "outcome", "failed", "duration_ms", time.Since(start).Milliseconds(), "error", msg)
		return
	}

	if cerr := e.ops.CompleteOperation(context.Background(), id, result); cerr != nil {
		if errors.Is(cerr, model.ErrInvalidState) {
			e.logger.Debug("task result discarded", "operation_id", id, "reason", cerr)
			return
		}
		e.logger.Error("failed to record task completion", "operation_id", id, "error", cerr)
		return
	}
	e.logger.Info("task finished", "operation_id", id, "outcome", "completed", "duration_ms", time.Since(start).Milliseconds())
}

func (e *Engine) run(ctx context.Context, task Task, r *Reporter) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task(ctx, r)
}

// Reporter is handed to a running task to publish its progress.
type Reporter struct {
	ops    *operations.Service
	id     string
	logger *slog.Logger
}

// OperationID returns the id of the operation the task drives.
func (r *Reporter) OperationID() string {
	return r.id
}

// Progress replaces the operation's progress.
func (r *Reporter) Progress(p model.Progress) error {
	return r.ops.UpdateProgress(context.Background(), r.id, p)
}

// Metrics appends metric points. Periodic checkpoints are driven from here.
func (r *Reporter) Metrics(points ...model.MetricPoint) error {
	return r.ops.AddMetrics(context.Background(), r.id, points...)
}

// State records the task's resumable state for the next checkpoint.
func (r *Reporter) State(state map[string]any) error {
	return r.ops.SetLocalState(r.id, state)
}

// Metadata merges values into the operation's metadata.
func (r *Reporter) Metadata(values map[string]any) error {
	_, err := r.ops.UpdateMetadata(context.Background(), r.id, values)
	return err
}

// Warn appends a warning to the operation.
func (r *Reporter) Warn(msg string) {
	if err := r.ops.AddWarning(context.Background(), r.id, msg); err != nil {
		r.logger.Debug("warning dropped", "operation_id", r.id, "error", err)
	}
}
