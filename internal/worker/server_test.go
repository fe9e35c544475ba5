package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/operations"
	"github.com/seantiz/crucible/internal/proxy"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/worker"
)

type testWorker struct {
	srv    *worker.Server
	ops    *operations.Service
	client *proxy.Client
	url    string
}

func newTestWorker(t *testing.T, wt model.WorkerType, exec worker.Executor) *testWorker {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ops := operations.NewService(st, logger, operations.Options{})
	eng := engine.NewEngine(ops, logger, 0)
	srv := worker.NewServer(":0", worker.Info{ID: "w-test", Type: wt}, ops, eng, exec, logger)

	ts := httptest.NewServer(srv.Router())
	client := proxy.New(ts.URL, 2*time.Second, logger)
	t.Cleanup(func() {
		client.Close()
		ts.Close()
		eng.CancelAll()
		eng.Wait()
	})
	return &testWorker{srv: srv, ops: ops, client: client, url: ts.URL}
}

// blockingExecutor records one state update and then waits for release or
// cancellation.
type blockingExecutor struct {
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, r *engine.Reporter, job worker.Job) (map[string]any, error) {
	if err := r.State(map[string]any{"epoch": 3, "artifacts": map[string]any{"model": "/shared/" + job.OperationID}}); err != nil {
		return nil, err
	}
	select {
	case <-b.release:
		return map[string]any{"accuracy": 0.5}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitForStatus(t *testing.T, c *proxy.Client, id string, want model.Status) *model.Operation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, err := c.GetOperation(context.Background(), id)
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if op.Status == want {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach %s", id, want)
	return nil
}

func TestWorkerRunsSimulatedTraining(t *testing.T) {
	w := newTestWorker(t, model.WorkerTraining, &worker.Simulated{ArtifactsDir: t.TempDir(), StepDelay: time.Millisecond})
	ctx := context.Background()

	resp, err := w.client.StartOperation(ctx, proxy.StartRequest{
		OperationType: model.TypeTraining,
		Parameters:    map[string]any{"epochs": 3, "target_accuracy": 0.6},
	})
	if err != nil {
		t.Fatalf("StartOperation: %v", err)
	}

	op := waitForStatus(t, w.client, resp.OperationID, model.StatusCompleted)
	if acc, _ := model.Float(op.ResultSummary["accuracy"]); acc < 0.59 || acc > 0.61 {
		t.Errorf("accuracy = %v, want 0.6", op.ResultSummary["accuracy"])
	}
	if op.ResultSummary["model_path"] == nil {
		t.Error("result missing model_path")
	}

	points, cursor, err := w.client.GetMetrics(ctx, resp.OperationID, 0)
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if len(points) != 3 || cursor != 3 {
		t.Fatalf("metrics = %d points cursor %d, want 3/3", len(points), cursor)
	}
	points, cursor, err = w.client.GetMetrics(ctx, resp.OperationID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || cursor != 3 {
		t.Errorf("metrics since 2 = %d points cursor %d, want 1/3", len(points), cursor)
	}

	h, err := w.client.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.WorkerStatus != proxy.WorkerIdle {
		t.Errorf("worker status = %s after completion, want idle", h.WorkerStatus)
	}
}

func TestWorkerResumesFromCheckpointState(t *testing.T) {
	w := newTestWorker(t, model.WorkerCPUTraining, &worker.Simulated{ArtifactsDir: t.TempDir()})

	resp, err := w.client.StartOperation(context.Background(), proxy.StartRequest{
		OperationType: model.TypeTraining,
		Parameters:    map[string]any{"epochs": 5},
		ResumeFrom:    &proxy.ResumeFrom{CheckpointID: "cp-1", State: map[string]any{"epoch": 3}},
	})
	if err != nil {
		t.Fatalf("StartOperation: %v", err)
	}

	op := waitForStatus(t, w.client, resp.OperationID, model.StatusCompleted)
	if from, _ := model.Float(op.ResultSummary["resumed_from_epoch"]); from != 3 {
		t.Errorf("resumed_from_epoch = %v, want 3", op.ResultSummary["resumed_from_epoch"])
	}
	if len(op.Metrics.Epochs) != 2 {
		t.Errorf("epochs run = %d, want 2", len(op.Metrics.Epochs))
	}
	if op.MetadataString("resumed_from_checkpoint") != "cp-1" {
		t.Errorf("metadata = %v", op.Metadata)
	}
}

func TestWorkerBusyStateAndCancel(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	w := newTestWorker(t, model.WorkerTraining, exec)
	ctx := context.Background()

	resp, err := w.client.StartOperation(ctx, proxy.StartRequest{OperationType: model.TypeTraining})
	if err != nil {
		t.Fatalf("StartOperation: %v", err)
	}

	_, err = w.client.StartOperation(ctx, proxy.StartRequest{OperationType: model.TypeTraining})
	if !errors.Is(err, proxy.ErrBusy) {
		t.Fatalf("second start err = %v, want ErrBusy", err)
	}

	h, err := w.client.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.WorkerStatus != proxy.WorkerBusy || h.CurrentOperation != resp.OperationID {
		t.Errorf("health = %+v", h)
	}

	deadline := time.Now().Add(2 * time.Second)
	var state map[string]any
	for time.Now().Before(deadline) {
		state = w.client.GetOperationState(ctx, resp.OperationID)
		if _, ok := state["epoch"]; ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if epoch, _ := model.Float(state["epoch"]); epoch != 3 {
		t.Fatalf("state = %v, want epoch 3", state)
	}

	if err := w.client.CancelOperation(ctx, resp.OperationID, "backend cancel"); err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}
	op := waitForStatus(t, w.client, resp.OperationID, model.StatusCancelled)
	if op.ErrorMessage != "backend cancel" {
		t.Errorf("error_message = %q", op.ErrorMessage)
	}
	if cur := w.srv.Current(); cur != "" {
		t.Errorf("current = %q after cancel, want idle", cur)
	}
}

func TestWorkerRejectsForeignOperationType(t *testing.T) {
	w := newTestWorker(t, model.WorkerBacktesting, &worker.Simulated{})

	_, err := w.client.StartOperation(context.Background(), proxy.StartRequest{OperationType: model.TypeTraining})
	var se *proxy.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestWorkerUnknownOperation(t *testing.T) {
	w := newTestWorker(t, model.WorkerTraining, &worker.Simulated{})
	ctx := context.Background()

	if _, err := w.client.GetOperation(ctx, "op_missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetOperation err = %v, want not found", err)
	}
	if state := w.client.GetOperationState(ctx, "op_missing"); len(state) != 0 {
		t.Errorf("state = %v, want empty", state)
	}

	resp, err := http.Get(w.url + "/api/v1/operations/op_missing/metrics?cursor=-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative cursor status = %d, want 400", resp.StatusCode)
	}
}

func TestRecoverOrphansFailsLeftoverOperations(t *testing.T) {
	w := newTestWorker(t, model.WorkerTraining, &worker.Simulated{})
	ctx := context.Background()

	op, err := w.ops.CreateOperation(ctx, model.TypeTraining, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.ops.StartOperation(ctx, op.ID, nil); err != nil {
		t.Fatal(err)
	}

	w.srv.RecoverOrphans(ctx)

	got, err := w.ops.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}
