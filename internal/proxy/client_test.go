package proxy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/proxy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newWorkerStub serves one known operation, "host-1".
func newWorkerStub(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var cancelled []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "host-1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not found"})
			return
		}
		writeJSON(w, http.StatusOK, model.Operation{ID: "host-1", Type: model.TypeTraining, Status: model.StatusRunning, Progress: model.Progress{Percentage: 40}})
	})
	mux.HandleFunc("GET /api/v1/operations/{id}/metrics", func(w http.ResponseWriter, r *http.Request) {
		points := []model.MetricPoint{{"epoch": 0}, {"epoch": 1}, {"epoch": 2}}
		cursor := 0
		if c := r.URL.Query().Get("cursor"); c == "2" {
			cursor = 2
		}
		writeJSON(w, http.StatusOK, proxy.MetricsResponse{OperationID: "host-1", Metrics: points[cursor:], Cursor: len(points)})
	})
	mux.HandleFunc("DELETE /api/v1/operations/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req proxy.CancelRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		cancelled = append(cancelled, r.PathValue("id")+":"+req.Reason)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	})
	mux.HandleFunc("GET /api/v1/operations/{id}/state", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "host-1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"epoch": 4, "artifacts": map[string]string{"model": "/shared/model.pt"}})
	})
	mux.HandleFunc("POST /api/v1/operations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "worker busy"})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, proxy.Health{Healthy: true, WorkerStatus: proxy.WorkerBusy, CurrentOperation: "host-1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &cancelled
}

func TestGetOperation(t *testing.T) {
	srv, _ := newWorkerStub(t)
	c := proxy.New(srv.URL+"/", 0, discardLogger())
	defer c.Close()

	if c.BaseURL() != srv.URL {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", c.BaseURL())
	}

	op, err := c.GetOperation(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if op.Status != model.StatusRunning || op.Progress.Percentage != 40 {
		t.Errorf("op = %+v", op)
	}

	_, err = c.GetOperation(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetOperation(missing) error = %v, want ErrNotFound", err)
	}
}

func TestGetMetricsCursor(t *testing.T) {
	srv, _ := newWorkerStub(t)
	c := proxy.New(srv.URL, 0, discardLogger())

	pts, next, err := c.GetMetrics(context.Background(), "host-1", 2)
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if len(pts) != 1 || next != 3 {
		t.Errorf("GetMetrics(2) = %d points, cursor %d; want 1, 3", len(pts), next)
	}
}

func TestCancelOperation(t *testing.T) {
	srv, cancelled := newWorkerStub(t)
	c := proxy.New(srv.URL, 0, discardLogger())

	if err := c.CancelOperation(context.Background(), "host-1", "Parent operation cancelled"); err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}
	if len(*cancelled) != 1 || (*cancelled)[0] != "host-1:Parent operation cancelled" {
		t.Errorf("cancel calls = %v", *cancelled)
	}
}

func TestGetOperationStateDegrades(t *testing.T) {
	srv, _ := newWorkerStub(t)
	c := proxy.New(srv.URL, 0, discardLogger())

	state := c.GetOperationState(context.Background(), "host-1")
	if v, _ := model.Float(state["epoch"]); v != 4 {
		t.Errorf("state epoch = %v, want 4", state["epoch"])
	}

	if state := c.GetOperationState(context.Background(), "missing"); len(state) != 0 {
		t.Errorf("state for unknown op = %v, want empty", state)
	}

	down := proxy.New("http://127.0.0.1:1", 200*time.Millisecond, discardLogger())
	if state := down.GetOperationState(context.Background(), "host-1"); state == nil || len(state) != 0 {
		t.Errorf("state from unreachable worker = %v, want empty map", state)
	}
}

func TestConnectionErrors(t *testing.T) {
	down := proxy.New("http://127.0.0.1:1", 200*time.Millisecond, discardLogger())
	_, err := down.GetOperation(context.Background(), "host-1")
	if !errors.Is(err, model.ErrConnection) && !errors.Is(err, model.ErrTimeout) {
		t.Errorf("error = %v, want ErrConnection or ErrTimeout", err)
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	c := proxy.New(slow.URL, 50*time.Millisecond, discardLogger())
	_, err = c.GetOperation(context.Background(), "host-1")
	if !errors.Is(err, model.ErrTimeout) {
		t.Errorf("slow worker error = %v, want ErrTimeout", err)
	}
}

func TestStartOperationBusy(t *testing.T) {
	srv, _ := newWorkerStub(t)
	c := proxy.New(srv.URL, 0, discardLogger())

	_, err := c.StartOperation(context.Background(), proxy.StartRequest{OperationType: model.TypeTraining})
	if !errors.Is(err, proxy.ErrBusy) {
		t.Errorf("StartOperation error = %v, want ErrBusy", err)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newWorkerStub(t)
	c := proxy.New(srv.URL, 0, discardLogger())

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !h.Healthy || h.WorkerStatus != proxy.WorkerBusy || h.CurrentOperation != "host-1" {
		t.Errorf("Health = %+v", h)
	}
}
