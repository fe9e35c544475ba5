package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// Resume and retry errors. All of them match model.ErrInvalidState.
var (
	ErrAlreadyRunning   = fmt.Errorf("%w: operation already running", model.ErrInvalidState)
	ErrAlreadyCompleted = fmt.Errorf("%w: operation already completed", model.ErrInvalidState)
	ErrCannotResume     = fmt.Errorf("%w: operation cannot be resumed", model.ErrInvalidState)
	ErrNotRetryable     = fmt.Errorf("%w: operation cannot be retried", model.ErrInvalidState)
)

// metadata keys owned by a run rather than by the caller; retries drop them.
var runtimeMetadataKeys = []string{
	model.MetaPhase,
	model.MetaPhaseStartTime,
	model.MetaDesignOpID,
	model.MetaTrainingOpID,
	model.MetaBacktestOpID,
	model.MetaAssessmentOpID,
	model.MetaDesignResult,
	model.MetaTrainingResult,
	model.MetaBacktestResult,
	model.MetaGateRejectionReason,
	model.MetaWorkerID,
	model.MetaWorkerEndpoint,
	model.MetaHostOperationID,
	model.MetaHostMetricsCursor,
}

// ResumedFrom identifies the checkpoint a resume started from.
type ResumedFrom struct {
	CheckpointID   string               `json:"checkpoint_id"`
	CheckpointType model.CheckpointType `json:"checkpoint_type"`
	Epoch          int                  `json:"epoch"`
	CreatedAt      time.Time            `json:"created_at"`
}

// ResumeResult is returned by a successful Resume.
type ResumeResult struct {
	OperationID string       `json:"operation_id"`
	Status      model.Status `json:"status"`
	ResumedFrom ResumedFrom  `json:"resumed_from"`
}

// Resume restarts a cancelled or failed operation from its latest checkpoint.
//
// The status check and the move to RUNNING happen atomically in TryResume.
// If no checkpoint exists the operation is marked FAILED and a
// checkpoint NotFoundError is returned, so it never stays RUNNING with
// nothing driving it.
func (s *Service) Resume(ctx context.Context, id string) (*ResumeResult, error) {
	cur, err := s.snapshot(id)
	if err != nil {
		return nil, err
	}

	s.hooksMu.RLock()
	relaunch := s.resumers[cur.Type]
	s.hooksMu.RUnlock()
	cps := s.getCheckpointer()
	if relaunch == nil || cps == nil {
		return nil, fmt.Errorf("%w: no resume handler for %s operations", ErrCannotResume, cur.Type)
	}

	ok, err := s.TryResume(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.snapshot(id)
		if err != nil {
			return nil, err
		}
		switch cur.Status {
		case model.StatusRunning:
			return nil, ErrAlreadyRunning
		case model.StatusCompleted:
			return nil, ErrAlreadyCompleted
		default:
			return nil, fmt.Errorf("%w: status %s", ErrCannotResume, cur.Status)
		}
	}

	cp, err := cps.LoadCheckpoint(ctx, id)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		s.failResume(ctx, id, fmt.Sprintf("load checkpoint: %v", err))
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	if cp == nil {
		s.failResume(ctx, id, "no checkpoint available to resume from")
		return nil, &model.NotFoundError{Kind: "checkpoint", ID: id}
	}

	op, err := s.snapshot(id)
	if err != nil {
		return nil, err
	}
	if err := relaunch(ctx, op, cp); err != nil {
		s.failResume(ctx, id, fmt.Sprintf("resume failed: %v", err))
		return nil, fmt.Errorf("resume %s: %w", id, err)
	}

	epoch, _ := cp.Epoch()
	s.logger.Info("operation resumed from checkpoint", "operation_id", id, "checkpoint_id", cp.ID, "checkpoint_type", cp.Type, "epoch", epoch)
	return &ResumeResult{
		OperationID: id,
		Status:      model.StatusRunning,
		ResumedFrom: ResumedFrom{
			CheckpointID:   cp.ID,
			CheckpointType: cp.Type,
			Epoch:          epoch,
			CreatedAt:      cp.CreatedAt,
		},
	}, nil
}

// failResume fails an operation that was optimistically resumed but cannot
// proceed. No failure checkpoint is taken.
func (s *Service) failResume(ctx context.Context, id, message string) {
	if err := s.fail(ctx, id, message, false); err != nil {
		s.logger.Error("failed to fail unresumable operation", "operation_id", id, "error", err)
	}
}

// RetryOperation creates a new operation with the parameters of a FAILED
// one and launches it with the starter registered for its type.
func (s *Service) RetryOperation(ctx context.Context, id string) (*model.Operation, error) {
	cur, err := s.snapshot(id)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.StatusFailed {
		return nil, &model.InvalidStateError{OperationID: id, From: cur.Status, To: model.StatusPending, Reason: "only failed operations can be retried"}
	}

	s.hooksMu.RLock()
	start := s.starters[cur.Type]
	s.hooksMu.RUnlock()
	if start == nil {
		return nil, fmt.Errorf("%w: no starter for %s operations", ErrNotRetryable, cur.Type)
	}

	md := model.CloneMap(cur.Metadata)
	for _, k := range runtimeMetadataKeys {
		delete(md, k)
	}
	md[model.MetaRetryOf] = id

	op, err := s.CreateOperation(ctx, cur.Type, md, cur.ParentOperationID)
	if err != nil {
		return nil, err
	}
	if err := start(ctx, op); err != nil {
		if ferr := s.fail(ctx, op.ID, fmt.Sprintf("start retry: %v", err), false); ferr != nil {
			s.logger.Error("failed to fail retry", "operation_id", op.ID, "error", ferr)
		}
		return nil, fmt.Errorf("start retry of %s: %w", id, err)
	}
	s.logger.Info("operation retried", "operation_id", op.ID, "retry_of", id)
	return s.snapshot(op.ID)
}
