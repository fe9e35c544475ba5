// Package workers tracks the worker processes known to the backend and hands
// them out one operation at a time.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/crucible/internal/model"
)

var claimsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crucible_worker_claims_total",
		Help: "Worker claim attempts by worker type and result.",
	},
	[]string{"worker_type", "result"},
)

func init() {
	prometheus.MustRegister(claimsTotal)
}

// ActiveLookup returns the non-terminal backend operation bound to a
// worker, if any.
type ActiveLookup func(workerID string) (operationID string, ok bool)

// Registry holds registered workers. SelectWorker is the only way to take
// an idle worker, and it is atomic: two callers never get the same worker.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*model.Worker
	// reported marks workers whose current operation id came from the
	// worker itself and may be the worker's own id for the operation.
	reported map[string]bool
	lookup   ActiveLookup
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		workers:  make(map[string]*model.Worker),
		reported: make(map[string]bool),
		logger:   logger,
	}
}

// SetActiveLookup lets registration reconcile what a worker reports with
// the backend operations bound to it. Call before serving.
func (r *Registry) SetActiveLookup(fn ActiveLookup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookup = fn
}

// Register adds a worker or refreshes a known one. Workers without an id
// get a generated one. A worker reporting a current operation is marked
// busy, recorded under the bound backend operation when there is one. A
// known worker that reports no operation is freed only when its recorded
// operation is no longer bound to it; a worker claimed but not yet
// assigned stays busy.
func (r *Registry) Register(w model.Worker) (model.Worker, error) {
	if w.EndpointURL == "" {
		return model.Worker{}, errors.New("endpoint_url is required")
	}
	switch w.Type {
	case model.WorkerTraining, model.WorkerBacktesting, model.WorkerCPUTraining:
	default:
		return model.Worker{}, fmt.Errorf("unknown worker type %q", w.Type)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	r.mu.Lock()
	lookup := r.lookup
	r.mu.Unlock()
	var bound string
	var hasBound bool
	if lookup != nil {
		bound, hasBound = lookup(w.ID)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.workers[w.ID]
	if !ok {
		w.RegisteredAt = now
		w.LastHealthCheckAt = now
		w.Busy = w.Busy || w.CurrentOperationID != ""
		if w.CurrentOperationID != "" {
			r.recordReported(&w, bound, hasBound)
		}
		r.workers[w.ID] = &w
		r.logger.Info("worker registered", "worker_id", w.ID, "worker_type", w.Type, "endpoint", w.EndpointURL, "current_operation_id", w.CurrentOperationID)
		return w, nil
	}

	existing.Type = w.Type
	existing.EndpointURL = w.EndpointURL
	existing.LastHealthCheckAt = now
	switch {
	case w.CurrentOperationID != "" && !existing.Busy:
		existing.Busy = true
		existing.CurrentOperationID = w.CurrentOperationID
		r.recordReported(existing, bound, hasBound)
	case w.CurrentOperationID == "" && existing.Busy && existing.CurrentOperationID != "" && !hasBound:
		r.logger.Info("stale busy worker freed", "worker_id", existing.ID, "operation_id", existing.CurrentOperationID)
		r.release(existing)
	}
	return *existing, nil
}

// recordReported stores a worker-reported operation under the backend
// operation bound to the worker when one is known.
func (r *Registry) recordReported(w *model.Worker, bound string, hasBound bool) {
	if hasBound {
		w.CurrentOperationID = bound
		delete(r.reported, w.ID)
		return
	}
	r.reported[w.ID] = true
}

func (r *Registry) release(w *model.Worker) {
	w.Busy = false
	w.CurrentOperationID = ""
	delete(r.reported, w.ID)
}

// Deregister removes a worker.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return &model.NotFoundError{Kind: "worker", ID: id}
	}
	delete(r.workers, id)
	delete(r.reported, id)
	r.logger.Info("worker deregistered", "worker_id", id)
	return nil
}

// Get returns a copy of the worker with the given id.
func (r *Registry) Get(id string) (model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return model.Worker{}, &model.NotFoundError{Kind: "worker", ID: id}
	}
	return *w, nil
}

// List returns every worker of type t, or all workers when t is empty,
// in registration order.
func (r *Registry) List(t model.WorkerType) []model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(w *model.Worker) bool { return t == "" || w.Type == t })
}

// GetAvailableWorkers returns the idle workers of type t.
func (r *Registry) GetAvailableWorkers(t model.WorkerType) []model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(w *model.Worker) bool { return w.Type == t && !w.Busy })
}

func (r *Registry) collect(match func(*model.Worker) bool) []model.Worker {
	out := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if match(w) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SelectWorker claims an idle worker of the first type in types that has
// one, marking it busy. It returns false when none is idle.
func (r *Registry) SelectWorker(types ...model.WorkerType) (model.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range types {
		idle := r.collect(func(w *model.Worker) bool { return w.Type == t && !w.Busy })
		if len(idle) == 0 {
			continue
		}
		w := r.workers[idle[0].ID]
		w.Busy = true
		claimsTotal.WithLabelValues(string(t), "claimed").Inc()
		r.logger.Debug("worker claimed", "worker_id", w.ID, "worker_type", t)
		return *w, true
	}
	for _, t := range types {
		claimsTotal.WithLabelValues(string(t), "unavailable").Inc()
	}
	return model.Worker{}, false
}

// AssignOperation records which operation a claimed worker is running.
func (r *Registry) AssignOperation(workerID, operationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return &model.NotFoundError{Kind: "worker", ID: workerID}
	}
	w.Busy = true
	w.CurrentOperationID = operationID
	delete(r.reported, workerID)
	return nil
}

// ReleaseWorker marks a worker idle again.
func (r *Registry) ReleaseWorker(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return &model.NotFoundError{Kind: "worker", ID: id}
	}
	r.release(w)
	r.logger.Debug("worker released", "worker_id", id)
	return nil
}

// ReleaseForOperation releases whichever worker runs operationID and
// reports whether one did.
func (r *Registry) ReleaseForOperation(operationID string) bool {
	if operationID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.CurrentOperationID == operationID {
			r.release(w)
			r.logger.Debug("worker released", "worker_id", w.ID, "operation_id", operationID)
			return true
		}
	}
	return false
}

// ReleaseOnTerminal is an operations.TerminalHook that frees the worker of
// a finished operation. The worker recorded in the operation's metadata is
// freed when it still runs the operation under either id, or under an id
// it reported itself before the backend could match it.
func (r *Registry) ReleaseOnTerminal(_ context.Context, op *model.Operation) {
	if workerID := op.MetadataString(model.MetaWorkerID); workerID != "" {
		if r.releaseBound(workerID, op.ID, op.MetadataString(model.MetaHostOperationID)) {
			return
		}
	}
	r.ReleaseForOperation(op.ID)
}

func (r *Registry) releaseBound(workerID, operationID, hostID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok || !w.Busy || w.CurrentOperationID == "" {
		return false
	}
	if w.CurrentOperationID != operationID && (hostID == "" || w.CurrentOperationID != hostID) && !r.reported[workerID] {
		return false
	}
	r.release(w)
	r.logger.Debug("worker released", "worker_id", workerID, "operation_id", operationID)
	return true
}
