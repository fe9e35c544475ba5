package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/checkpoint"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/dispatch"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/operations"
	"github.com/seantiz/crucible/internal/proxy"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/workers"
)

// stubWorker is a minimal worker process serving one operation at a time.
type stubWorker struct {
	mu        sync.Mutex
	busy      bool
	started   []proxy.StartRequest
	status    model.Status
	cancelled []string
	srv       *httptest.Server
}

func newStubWorker(t *testing.T) *stubWorker {
	t.Helper()
	w := &stubWorker{status: model.StatusRunning}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/operations", func(rw http.ResponseWriter, r *http.Request) {
		var req proxy.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.busy {
			writeJSON(rw, http.StatusConflict, map[string]string{"error": "worker busy"})
			return
		}
		w.started = append(w.started, req)
		writeJSON(rw, http.StatusAccepted, proxy.StartResponse{OperationID: fmt.Sprintf("host-%d", len(w.started)), Status: model.StatusRunning})
	})
	mux.HandleFunc("GET /api/v1/operations/{id}", func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		defer w.mu.Unlock()
		writeJSON(rw, http.StatusOK, model.Operation{ID: r.PathValue("id"), Status: w.status, Progress: model.Progress{Percentage: 30}})
	})
	mux.HandleFunc("GET /api/v1/operations/{id}/metrics", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, proxy.MetricsResponse{OperationID: r.PathValue("id")})
	})
	mux.HandleFunc("GET /api/v1/operations/{id}/state", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{"epoch": 7})
	})
	mux.HandleFunc("DELETE /api/v1/operations/{id}/cancel", func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		w.cancelled = append(w.cancelled, r.PathValue("id"))
		w.mu.Unlock()
		writeJSON(rw, http.StatusOK, map[string]string{"status": "cancelled"})
	})
	w.srv = httptest.NewServer(mux)
	t.Cleanup(w.srv.Close)
	return w
}

func (w *stubWorker) set(fn func(w *stubWorker)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w)
}

func (w *stubWorker) starts() []proxy.StartRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]proxy.StartRequest(nil), w.started...)
}

func (w *stubWorker) cancels() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.cancelled...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type harness struct {
	ops  *operations.Service
	reg  *workers.Registry
	disp *dispatch.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ops := operations.NewService(st, logger, operations.Options{
		CacheTTL:     20 * time.Millisecond,
		ProxyFactory: dispatch.NewProxyFactory(time.Second, logger),
	})
	ops.SetCheckpointer(checkpoint.NewService(st, ops, logger, checkpoint.Options{
		Dir:      t.TempDir(),
		Policies: config.DefaultPolicies(),
	}))
	reg := workers.NewRegistry(logger)
	ops.OnTerminal(reg.ReleaseOnTerminal)
	reg.SetActiveLookup(ops.ActiveOperationOnWorker)

	d := dispatch.New(ops, reg, time.Second, logger)
	d.Register()
	return &harness{ops: ops, reg: reg, disp: d}
}

func (h *harness) addWorker(t *testing.T, id string, typ model.WorkerType, sw *stubWorker) {
	t.Helper()
	if _, err := h.reg.Register(model.Worker{ID: id, Type: typ, EndpointURL: sw.srv.URL}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestDispatchNoWorker(t *testing.T) {
	h := newHarness(t)

	_, err := h.disp.Dispatch(context.Background(), model.TypeTraining, nil, "")
	if !errors.Is(err, dispatch.ErrNoWorker) {
		t.Fatalf("Dispatch error = %v, want ErrNoWorker", err)
	}
	if res := h.ops.ListOperations(context.Background(), store.ListFilter{}); res.TotalCount != 0 {
		t.Errorf("operations created = %d, want 0", res.TotalCount)
	}
}

func TestDispatchBindsAndReleases(t *testing.T) {
	h := newHarness(t)
	sw := newStubWorker(t)
	h.addWorker(t, "gpu-1", model.WorkerTraining, sw)
	ctx := context.Background()

	op, err := h.disp.Dispatch(ctx, model.TypeTraining, map[string]any{"strategy_path": "s.yaml"}, "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if op.Status != model.StatusRunning || !h.ops.IsRemote(op.ID) {
		t.Fatalf("op = %s, remote %v", op.Status, h.ops.IsRemote(op.ID))
	}
	if op.MetadataString(model.MetaWorkerID) != "gpu-1" || op.MetadataString(model.MetaHostOperationID) != "host-1" {
		t.Errorf("metadata = %v", op.Metadata)
	}
	if started := sw.starts(); len(started) != 1 || started[0].Parameters["strategy_path"] != "s.yaml" {
		t.Errorf("worker start requests = %+v", started)
	}
	w, _ := h.reg.Get("gpu-1")
	if !w.Busy || w.CurrentOperationID != op.ID {
		t.Errorf("worker = %+v, want busy with %s", w, op.ID)
	}

	sw.set(func(w *stubWorker) { w.status = model.StatusCompleted })
	time.Sleep(30 * time.Millisecond)
	got, err := h.ops.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if w, _ := h.reg.Get("gpu-1"); w.Busy {
		t.Error("worker not released after its operation completed")
	}
}

func TestDispatchPrefersGPUThenCPU(t *testing.T) {
	h := newHarness(t)
	cpu := newStubWorker(t)
	h.addWorker(t, "cpu-1", model.WorkerCPUTraining, cpu)

	op, err := h.disp.Dispatch(context.Background(), model.TypeTraining, nil, "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if op.MetadataString(model.MetaWorkerID) != "cpu-1" {
		t.Errorf("worker = %q, want cpu-1", op.MetadataString(model.MetaWorkerID))
	}
}

func TestDispatchBusyWorkerIsReleased(t *testing.T) {
	h := newHarness(t)
	sw := newStubWorker(t)
	sw.set(func(w *stubWorker) { w.busy = true })
	h.addWorker(t, "bt-1", model.WorkerBacktesting, sw)

	_, err := h.disp.Dispatch(context.Background(), model.TypeBacktesting, nil, "")
	if !errors.Is(err, dispatch.ErrNoWorker) {
		t.Fatalf("Dispatch error = %v, want ErrNoWorker", err)
	}
	if w, _ := h.reg.Get("bt-1"); w.Busy {
		t.Error("worker left claimed after a rejected start")
	}
}

func TestResumeRestartsOnWorker(t *testing.T) {
	h := newHarness(t)
	sw := newStubWorker(t)
	h.addWorker(t, "gpu-1", model.WorkerTraining, sw)
	ctx := context.Background()

	op, err := h.disp.Dispatch(ctx, model.TypeTraining, map[string]any{"strategy_path": "s.yaml"}, "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	res, err := h.ops.CancelOperation(ctx, op.ID, "", false)
	if err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}
	if !res.CheckpointCreated {
		t.Fatal("expected a cancellation checkpoint")
	}
	if cancels := sw.cancels(); len(cancels) != 1 {
		t.Errorf("worker cancel calls = %v", cancels)
	}

	resumed, err := h.ops.Resume(ctx, op.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.ResumedFrom.Epoch != 7 {
		t.Errorf("resumed epoch = %d, want 7", resumed.ResumedFrom.Epoch)
	}
	started := sw.starts()
	if len(started) != 2 || started[1].ResumeFrom == nil {
		t.Fatalf("resume did not restart on the worker: %+v", started)
	}
	if _, ok := started[1].Parameters[model.MetaHostOperationID]; ok {
		t.Error("binding metadata leaked into worker parameters")
	}
	if !h.ops.IsRemote(op.ID) {
		t.Error("resumed operation is not bound to the worker")
	}
	if got, _ := h.ops.GetOperation(ctx, op.ID); got.MetadataString(model.MetaHostOperationID) != "host-2" {
		t.Errorf("host operation = %q, want host-2", got.MetadataString(model.MetaHostOperationID))
	}
}

func TestRetryDispatchesAgain(t *testing.T) {
	h := newHarness(t)
	sw := newStubWorker(t)
	h.addWorker(t, "bt-1", model.WorkerBacktesting, sw)
	ctx := context.Background()

	op, err := h.disp.Dispatch(ctx, model.TypeBacktesting, map[string]any{"symbol": "EURUSD"}, "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := h.ops.FailOperation(ctx, op.ID, "worker crashed"); err != nil {
		t.Fatalf("FailOperation: %v", err)
	}

	retry, err := h.ops.RetryOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("RetryOperation: %v", err)
	}
	if retry.Status != model.StatusRunning || retry.MetadataString(model.MetaRetryOf) != op.ID {
		t.Errorf("retry = %s, metadata %v", retry.Status, retry.Metadata)
	}
	started := sw.starts()
	if len(started) != 2 || started[1].Parameters["symbol"] != "EURUSD" {
		t.Fatalf("worker start requests = %+v", started)
	}
	if _, ok := started[1].Parameters[model.MetaRetryOf]; ok {
		t.Error("retry_of leaked into worker parameters")
	}
}
