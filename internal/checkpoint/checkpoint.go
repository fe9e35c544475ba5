// Package checkpoint decides when operation state is snapshotted and
// persists the snapshots. Checkpoints hold small JSON state plus the path
// of the operation's artifact directory on shared storage; artifact bytes
// never pass through here.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

const (
	// DefaultKeep is how many checkpoints are retained per operation.
	DefaultKeep = 3
	// MaxStateBytes bounds the encoded state of one checkpoint.
	MaxStateBytes = 1 << 20
)

var checkpointsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crucible_checkpoints_total",
		Help: "Checkpoint attempts by checkpoint type and result.",
	},
	[]string{"type", "result"},
)

func init() {
	prometheus.MustRegister(checkpointsTotal)
}

// StateSource resolves what an operation is and what its resumable state
// looks like right now.
type StateSource interface {
	OperationType(ctx context.Context, id string) (model.OperationType, error)
	OperationState(ctx context.Context, id string) (map[string]any, error)
}

// Options configures a Service.
type Options struct {
	// Dir is the shared checkpoint root; artifacts live under Dir/artifacts/{id}.
	Dir      string
	Keep     int
	Policies map[model.OperationType]model.CheckpointPolicy
}

// Service creates, loads and prunes checkpoints according to per-type
// policies. It satisfies operations.Checkpointer.
type Service struct {
	store    store.Store
	source   StateSource
	logger   *slog.Logger
	dir      string
	keep     int
	policies map[model.OperationType]model.CheckpointPolicy

	mu       sync.Mutex
	trackers map[string]*tracker
}

// tracker counts progress since an operation's last periodic checkpoint.
type tracker struct {
	steps int
	since time.Time
}

// NewService creates a checkpoint service.
func NewService(st store.Store, source StateSource, logger *slog.Logger, opts Options) *Service {
	keep := opts.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Service{
		store:    st,
		source:   source,
		logger:   logger,
		dir:      opts.Dir,
		keep:     keep,
		policies: opts.Policies,
		trackers: make(map[string]*tracker),
	}
}

// Policy returns the policy configured for operation type t.
func (s *Service) Policy(t model.OperationType) (model.CheckpointPolicy, bool) {
	p, ok := s.policies[t]
	return p, ok
}

// ArtifactsPath returns the shared-storage directory of an operation's artifacts.
func (s *Service) ArtifactsPath(operationID string) string {
	return filepath.Join(s.dir, "artifacts", operationID)
}

// CreateCheckpoint snapshots the operation if its policy enables checkpoints
// of type t. It reports whether a checkpoint was written; failures are
// logged, never returned.
func (s *Service) CreateCheckpoint(ctx context.Context, operationID string, t model.CheckpointType, metadata map[string]any) bool {
	opType, err := s.source.OperationType(ctx, operationID)
	if err != nil {
		s.logger.Warn("checkpoint skipped", "operation_id", operationID, "checkpoint_type", t, "error", err)
		return false
	}
	policy, ok := s.Policy(opType)
	if !ok || !policy.Triggers(t) {
		checkpointsTotal.WithLabelValues(string(t), "disabled").Inc()
		return false
	}

	if err := s.create(ctx, operationID, t, metadata); err != nil {
		checkpointsTotal.WithLabelValues(string(t), "error").Inc()
		s.logger.Warn("checkpoint failed", "operation_id", operationID, "checkpoint_type", t, "error", err)
		return false
	}
	checkpointsTotal.WithLabelValues(string(t), "ok").Inc()
	return true
}

func (s *Service) create(ctx context.Context, operationID string, t model.CheckpointType, metadata map[string]any) error {
	state, err := s.source.OperationState(ctx, operationID)
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	if state == nil {
		state = make(map[string]any)
	}
	if len(metadata) > 0 {
		state["checkpoint_metadata"] = model.CloneMap(metadata)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if len(raw) > MaxStateBytes {
		return fmt.Errorf("state is %d bytes, limit %d", len(raw), MaxStateBytes)
	}

	artifacts := s.ArtifactsPath(operationID)
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}

	cp := &model.Checkpoint{
		ID:            model.NewID(),
		OperationID:   operationID,
		Type:          t,
		CreatedAt:     time.Now().UTC(),
		State:         state,
		ArtifactsPath: artifacts,
	}
	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	if pruned, err := s.store.PruneCheckpoints(ctx, operationID, s.keep); err != nil {
		s.logger.Warn("checkpoint prune failed", "operation_id", operationID, "error", err)
	} else if pruned > 0 {
		s.logger.Debug("checkpoints pruned", "operation_id", operationID, "count", pruned)
	}

	s.logger.Info("checkpoint created", "operation_id", operationID, "checkpoint_id", cp.ID, "checkpoint_type", t, "state_bytes", len(raw))
	return nil
}

// LoadCheckpoint returns the newest checkpoint of the operation, or nil.
func (s *Service) LoadCheckpoint(ctx context.Context, operationID string) (*model.Checkpoint, error) {
	cp, err := s.store.LatestCheckpoint(ctx, operationID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// ObserveProgress records steps completed by an operation and takes a
// periodic checkpoint once force_checkpoint_every_n steps or
// checkpoint_interval_seconds have passed since the last one.
func (s *Service) ObserveProgress(ctx context.Context, operationID string, steps int) {
	opType, err := s.source.OperationType(ctx, operationID)
	if err != nil {
		return
	}
	policy, ok := s.Policy(opType)
	if !ok || !policy.Triggers(model.CheckpointPeriodic) {
		return
	}

	now := time.Now()
	s.mu.Lock()
	tr, ok := s.trackers[operationID]
	if !ok {
		tr = &tracker{since: now}
		s.trackers[operationID] = tr
	}
	tr.steps += steps
	due := (policy.ForceCheckpointEveryN > 0 && tr.steps >= policy.ForceCheckpointEveryN) ||
		(policy.CheckpointIntervalSeconds > 0 && now.Sub(tr.since) >= time.Duration(policy.CheckpointIntervalSeconds)*time.Second)
	if due {
		tr.steps = 0
		tr.since = now
	}
	s.mu.Unlock()

	if due {
		s.CreateCheckpoint(ctx, operationID, model.CheckpointPeriodic, nil)
	}
}

// OperationFinished drops periodic tracking and, for completed operations
// whose policy asks for it, deletes their checkpoints and artifacts.
func (s *Service) OperationFinished(ctx context.Context, operationID string, status model.Status) {
	s.mu.Lock()
	delete(s.trackers, operationID)
	s.mu.Unlock()

	if status != model.StatusCompleted {
		return
	}
	opType, err := s.source.OperationType(ctx, operationID)
	if err != nil {
		return
	}
	if policy, ok := s.Policy(opType); !ok || !policy.DeleteOnCompletion {
		return
	}

	n, err := s.store.DeleteCheckpoints(ctx, operationID)
	if err != nil {
		s.logger.Warn("checkpoint cleanup failed", "operation_id", operationID, "error", err)
		return
	}
	if n == 0 {
		return
	}
	if err := os.RemoveAll(s.ArtifactsPath(operationID)); err != nil {
		s.logger.Warn("artifact cleanup failed", "operation_id", operationID, "error", err)
	}
	s.logger.Info("checkpoints deleted on completion", "operation_id", operationID, "count", n)
}

// ListCheckpoints returns every retained checkpoint of the operation, newest first.
func (s *Service) ListCheckpoints(ctx context.Context, operationID string) ([]*model.Checkpoint, error) {
	return s.store.ListCheckpoints(ctx, operationID)
}
