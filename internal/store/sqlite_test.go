package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestOperation(typ model.OperationType) *model.Operation {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Operation{
		ID:        model.NewOperationID(typ, now),
		Type:      typ,
		Status:    model.StatusPending,
		CreatedAt: now,
		Metadata:  map[string]any{"strategy_path": "strategies/momentum.yaml"},
	}
}

func TestCreateAndGetOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeTestOperation(model.TypeTraining)
	op.ParentOperationID = "op_agent_research_parent"
	op.Metrics.Append(model.BucketEpochs, model.MetricPoint{"epoch": 0, "train_loss": 0.9})

	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}

	if got.ID != op.ID {
		t.Errorf("ID = %q, want %q", got.ID, op.ID)
	}
	if got.Type != model.TypeTraining {
		t.Errorf("Type = %q, want training", got.Type)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.ParentOperationID != op.ParentOperationID {
		t.Errorf("ParentOperationID = %q, want %q", got.ParentOperationID, op.ParentOperationID)
	}
	if got.MetadataString("strategy_path") != "strategies/momentum.yaml" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if len(got.Metrics.Epochs) != 1 {
		t.Fatalf("epochs = %d, want 1", len(got.Metrics.Epochs))
	}
	if v, _ := got.Metrics.Epochs[0].Float("train_loss"); v != 0.9 {
		t.Errorf("train_loss = %v, want 0.9", v)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}
}

func TestGetOperationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetOperation(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOperation error = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("store.ErrNotFound should wrap model.ErrNotFound")
	}
}

func TestSaveOperationUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeTestOperation(model.TypeBacktesting)
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	op.Status = model.StatusFailed
	op.StartedAt = &started
	op.CompletedAt = &started
	op.ErrorMessage = "worker crashed"
	op.Errors = []string{"worker crashed"}
	op.ResultSummary = map[string]any{"sharpe_ratio": -0.5}
	if err := s.SaveOperation(ctx, op); err != nil {
		t.Fatalf("SaveOperation: %v", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.ErrorMessage != "worker crashed" || len(got.Errors) != 1 {
		t.Errorf("error fields = %q %v", got.ErrorMessage, got.Errors)
	}
	if v, _ := model.Float(got.ResultSummary["sharpe_ratio"]); v != -0.5 {
		t.Errorf("sharpe_ratio = %v, want -0.5", v)
	}
}

func TestSaveOperationInsertsMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeTestOperation(model.TypeDataLoad)

	if err := s.SaveOperation(ctx, op); err != nil {
		t.Fatalf("SaveOperation: %v", err)
	}
	if _, err := s.GetOperation(ctx, op.ID); err != nil {
		t.Fatalf("GetOperation after upsert: %v", err)
	}
}

func TestListOperationsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := makeTestOperation(model.TypeAgentResearch)
	parent.Status = model.StatusRunning
	if err := s.CreateOperation(ctx, parent); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		child := makeTestOperation(model.TypeTraining)
		child.ParentOperationID = parent.ID
		if i == 0 {
			child.Status = model.StatusCompleted
		}
		if err := s.CreateOperation(ctx, child); err != nil {
			t.Fatal(err)
		}
	}

	ops, total, err := s.ListOperations(ctx, ListFilter{ParentID: parent.ID})
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if total != 3 || len(ops) != 3 {
		t.Errorf("children = %d (total %d), want 3", len(ops), total)
	}

	_, total, err = s.ListOperations(ctx, ListFilter{ActiveOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("active total = %d, want 3", total)
	}

	ops, total, err = s.ListOperations(ctx, ListFilter{Type: model.TypeTraining, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(ops) != 2 {
		t.Errorf("paged = %d (total %d), want 2 of 3", len(ops), total)
	}

	_, total, err = s.ListOperations(ctx, ListFilter{Status: model.StatusCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("completed total = %d, want 1", total)
	}
}

func TestGetOperationStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, typ := range []model.OperationType{model.TypeTraining, model.TypeTraining, model.TypeBacktesting} {
		if err := s.CreateOperation(ctx, makeTestOperation(typ)); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.GetOperationStats(ctx)
	if err != nil {
		t.Fatalf("GetOperationStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByType["training"] != 2 || stats.CountByType["backtesting"] != 1 {
		t.Errorf("CountByType = %v", stats.CountByType)
	}
	if stats.CountByStatus["pending"] != 3 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
}

func makeCheckpoint(opID string, typ model.CheckpointType, at time.Time, epoch int) *model.Checkpoint {
	return &model.Checkpoint{
		ID:            model.NewID(),
		OperationID:   opID,
		Type:          typ,
		CreatedAt:     at,
		State:         map[string]any{"epoch": epoch},
		ArtifactsPath: "data/checkpoints/artifacts/" + opID,
	}
}

func TestCheckpointLatestAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, typ := range []model.CheckpointType{model.CheckpointPeriodic, model.CheckpointPeriodic, model.CheckpointCancellation} {
		if err := s.SaveCheckpoint(ctx, makeCheckpoint("op_a", typ, base.Add(time.Duration(i)*time.Second), i)); err != nil {
			t.Fatalf("SaveCheckpoint: %v", err)
		}
	}

	latest, err := s.LatestCheckpoint(ctx, "op_a")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if latest.Type != model.CheckpointCancellation {
		t.Errorf("latest type = %q, want cancellation", latest.Type)
	}
	if e, _ := latest.Epoch(); e != 2 {
		t.Errorf("latest epoch = %d, want 2", e)
	}

	cps, err := s.ListCheckpoints(ctx, "op_a")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 3 {
		t.Errorf("ListCheckpoints = %d, want 3", len(cps))
	}

	if _, err := s.LatestCheckpoint(ctx, "op_b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestCheckpoint(op_b) error = %v, want ErrNotFound", err)
	}
}

func TestPruneAndDeleteCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		if err := s.SaveCheckpoint(ctx, makeCheckpoint("op_a", model.CheckpointPeriodic, base.Add(time.Duration(i)*time.Second), i)); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := s.PruneCheckpoints(ctx, "op_a", 2)
	if err != nil {
		t.Fatalf("PruneCheckpoints: %v", err)
	}
	if pruned != 3 {
		t.Errorf("pruned = %d, want 3", pruned)
	}
	latest, err := s.LatestCheckpoint(ctx, "op_a")
	if err != nil {
		t.Fatal(err)
	}
	if e, _ := latest.Epoch(); e != 4 {
		t.Errorf("latest epoch after prune = %d, want 4", e)
	}

	deleted, err := s.DeleteCheckpoints(ctx, "op_a")
	if err != nil {
		t.Fatalf("DeleteCheckpoints: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if _, err := s.LatestCheckpoint(ctx, "op_a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no checkpoints after delete, got %v", err)
	}
}
