package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/operations"
	"github.com/seantiz/crucible/internal/store"
)

func newTestEngine(t *testing.T, timeout time.Duration) (*engine.Engine, *operations.Service) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ops := operations.NewService(s, logger, operations.Options{})
	eng := engine.NewEngine(ops, logger, timeout)
	t.Cleanup(eng.Wait)
	return eng, ops
}

// waitForStatus polls the service until the operation reaches the expected status.
func waitForStatus(t *testing.T, ops *operations.Service, id string, expected model.Status, timeout time.Duration) *model.Operation {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		op, err := ops.GetOperation(context.Background(), id)
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if op.Status == expected {
			return op
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	eng, ops := newTestEngine(t, 0)

	release := make(chan struct{})
	op, err := eng.Submit(context.Background(), model.TypeAgentDesign, map[string]any{"brief": "momentum"}, "", func(ctx context.Context, r *engine.Reporter) (map[string]any, error) {
		<-release
		if err := r.Progress(model.Progress{Percentage: 50, CurrentStep: "drafting"}); err != nil {
			return nil, err
		}
		return map[string]any{"strategy_path": "strategies/momentum.yaml"}, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if op.Status != model.StatusRunning || op.StartedAt == nil {
		t.Errorf("submitted op = %s, started_at %v; want running", op.Status, op.StartedAt)
	}
	if !eng.Running(op.ID) {
		t.Error("Running should report the in-flight task")
	}
	close(release)

	done := waitForStatus(t, ops, op.ID, model.StatusCompleted, 5*time.Second)
	if done.ResultSummary["strategy_path"] != "strategies/momentum.yaml" {
		t.Errorf("result = %v", done.ResultSummary)
	}
	if done.Progress.Percentage != 100 {
		t.Errorf("percentage = %v, want 100", done.Progress.Percentage)
	}
	eng.Wait()
	if eng.Running(op.ID) {
		t.Error("task still reported running after Wait")
	}
}

func TestSubmitTaskError(t *testing.T) {
	eng, ops := newTestEngine(t, 0)

	op, err := eng.Submit(context.Background(), model.TypeAgentAssessment, nil, "", func(context.Context, *engine.Reporter) (map[string]any, error) {
		return nil, errors.New("agent unavailable")
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, ops, op.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorMessage != "agent unavailable" {
		t.Errorf("error_message = %q", failed.ErrorMessage)
	}
}

func TestSubmitPanicFailsOperation(t *testing.T) {
	eng, ops := newTestEngine(t, 0)

	op, err := eng.Submit(context.Background(), model.TypeAgentDesign, nil, "", func(context.Context, *engine.Reporter) (map[string]any, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, ops, op.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorMessage == "" {
		t.Error("expected panic to be recorded")
	}
}

func TestSubmitTimeout(t *testing.T) {
	eng, ops := newTestEngine(t, 50*time.Millisecond)

	op, err := eng.Submit(context.Background(), model.TypeAgentDesign, nil, "", func(ctx context.Context, _ *engine.Reporter) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, ops, op.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorMessage != "operation timed out after 50ms" {
		t.Errorf("error_message = %q", failed.ErrorMessage)
	}
}

func TestCancelStopsTask(t *testing.T) {
	eng, ops := newTestEngine(t, 0)

	exited := make(chan struct{})
	op, err := eng.Submit(context.Background(), model.TypeAgentDesign, nil, "", func(ctx context.Context, _ *engine.Reporter) (map[string]any, error) {
		defer close(exited)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := ops.CancelOperation(context.Background(), op.ID, "", false); err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("task did not observe cancellation")
	}
	eng.Wait()

	got, _ := ops.GetOperation(context.Background(), op.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestReporterStateAndMetrics(t *testing.T) {
	eng, ops := newTestEngine(t, 0)

	release := make(chan struct{})
	op, err := eng.Submit(context.Background(), model.TypeTraining, nil, "", func(ctx context.Context, r *engine.Reporter) (map[string]any, error) {
		for epoch := 0; epoch < 3; epoch++ {
			if err := r.Metrics(model.MetricPoint{"epoch": epoch, "train_loss": 1.0 - 0.1*float64(epoch), "val_loss": 1.1 - 0.1*float64(epoch)}); err != nil {
				return nil, err
			}
			if err := r.State(map[string]any{"epoch": epoch}); err != nil {
				return nil, err
			}
		}
		r.Warn("learning rate clipped")
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := ops.GetOperation(context.Background(), op.ID)
		if len(got.Warnings) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	state, err := ops.OperationState(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("OperationState: %v", err)
	}
	if v, _ := model.Float(state["epoch"]); v != 2 {
		t.Errorf("state epoch = %v, want 2", state["epoch"])
	}
	close(release)

	done := waitForStatus(t, ops, op.ID, model.StatusCompleted, 5*time.Second)
	if len(done.Metrics.Epochs) != 3 {
		t.Errorf("epochs = %d, want 3", len(done.Metrics.Epochs))
	}
	if done.Metrics.BestEpoch == nil || *done.Metrics.BestEpoch != 2 {
		t.Errorf("best epoch = %v, want 2", done.Metrics.BestEpoch)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	eng, ops := newTestEngine(t, 0)

	ids := make([]string, 5)
	for i := range ids {
		op, err := eng.Submit(context.Background(), model.TypeAgentDesign, nil, "", func(ctx context.Context, _ *engine.Reporter) (map[string]any, error) {
			time.Sleep(20 * time.Millisecond)
			return map[string]any{"ok": true}, nil
		})
		if err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
		ids[i] = op.ID
	}

	for _, id := range ids {
		waitForStatus(t, ops, id, model.StatusCompleted, 5*time.Second)
	}
}
