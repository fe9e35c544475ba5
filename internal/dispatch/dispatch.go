// Package dispatch runs training and backtesting operations on worker
// processes. It claims a worker, starts the operation there and binds the
// local operation record to it through a remote proxy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/operations"
	"github.com/seantiz/crucible/internal/proxy"
	"github.com/seantiz/crucible/internal/workers"
)

// ErrNoWorker is returned when no idle worker of a suitable type exists.
// Callers treat it as "try again later".
var ErrNoWorker = errors.New("no worker available")

// bindingKeys are metadata keys describing where an operation runs. They
// are never sent to a worker as parameters.
var bindingKeys = []string{
	model.MetaWorkerID,
	model.MetaWorkerEndpoint,
	model.MetaHostOperationID,
	model.MetaHostMetricsCursor,
	model.MetaRetryOf,
}

// NewProxyFactory returns the factory the lifecycle service uses to rebuild
// worker bindings.
func NewProxyFactory(timeout time.Duration, logger *slog.Logger) operations.ProxyFactory {
	return func(endpoint string) operations.Proxy {
		return proxy.New(endpoint, timeout, logger)
	}
}

// Dispatcher starts operations on workers.
type Dispatcher struct {
	ops     *operations.Service
	workers *workers.Registry
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a dispatcher. timeout bounds each call to a worker.
func New(ops *operations.Service, reg *workers.Registry, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ops:     ops,
		workers: reg,
		timeout: timeout,
		logger:  logger,
	}
}

// Register installs the starters and resumers for every worker-hosted
// operation type, so retry and resume work for them.
func (d *Dispatcher) Register() {
	for _, t := range []model.OperationType{model.TypeTraining, model.TypeBacktesting} {
		d.ops.SetStarter(t, d.startExisting)
		d.ops.SetResumer(t, d.resume)
	}
}

// workerTypes lists the worker types able to run t, in preference order.
func workerTypes(t model.OperationType) []model.WorkerType {
	switch t {
	case model.TypeTraining:
		return []model.WorkerType{model.WorkerTraining, model.WorkerCPUTraining}
	case model.TypeBacktesting:
		return []model.WorkerType{model.WorkerBacktesting}
	default:
		return nil
	}
}

// Dispatch claims a worker, starts an operation of type t on it and
// registers a RUNNING child of parentID bound to the worker's operation.
// It returns ErrNoWorker when every suitable worker is busy; nothing is
// created in that case.
func (d *Dispatcher) Dispatch(ctx context.Context, t model.OperationType, params map[string]any, parentID string) (*model.Operation, error) {
	w, client, hostID, err := d.claimAndStart(ctx, t, params, nil)
	if err != nil {
		return nil, err
	}

	md := model.CloneMap(params)
	if md == nil {
		md = make(map[string]any)
	}
	md[model.MetaWorkerID] = w.ID
	op, err := d.ops.CreateOperation(ctx, t, md, parentID)
	if err != nil {
		d.abandon(ctx, w, client, hostID)
		return nil, fmt.Errorf("create dispatched operation: %w", err)
	}
	if err := d.bind(ctx, op.ID, w, client, hostID, true); err != nil {
		return nil, err
	}
	return d.ops.GetOperation(ctx, op.ID)
}

// startExisting launches a PENDING operation, e.g. one created by retry.
func (d *Dispatcher) startExisting(ctx context.Context, op *model.Operation) error {
	w, client, hostID, err := d.claimAndStart(ctx, op.Type, op.Metadata, nil)
	if err != nil {
		return err
	}
	if _, err := d.ops.UpdateMetadata(ctx, op.ID, map[string]any{model.MetaWorkerID: w.ID}); err != nil {
		d.abandon(ctx, w, client, hostID)
		return err
	}
	return d.bind(ctx, op.ID, w, client, hostID, true)
}

// resume restarts an operation, already RUNNING again after TryResume, on a
// worker from checkpoint cp.
func (d *Dispatcher) resume(ctx context.Context, op *model.Operation, cp *model.Checkpoint) error {
	from := &proxy.ResumeFrom{
		CheckpointID:  cp.ID,
		State:         cp.State,
		ArtifactsPath: cp.ArtifactsPath,
	}
	w, client, hostID, err := d.claimAndStart(ctx, op.Type, op.Metadata, from)
	if err != nil {
		return err
	}
	if _, err := d.ops.UpdateMetadata(ctx, op.ID, map[string]any{model.MetaWorkerID: w.ID}); err != nil {
		d.abandon(ctx, w, client, hostID)
		return err
	}
	return d.bind(ctx, op.ID, w, client, hostID, false)
}

// claimAndStart claims a worker and starts the operation on it. On any
// failure the worker is released again.
func (d *Dispatcher) claimAndStart(ctx context.Context, t model.OperationType, metadata map[string]any, from *proxy.ResumeFrom) (model.Worker, *proxy.Client, string, error) {
	types := workerTypes(t)
	if len(types) == 0 {
		return model.Worker{}, nil, "", fmt.Errorf("operation type %s does not run on workers", t)
	}
	w, ok := d.workers.SelectWorker(types...)
	if !ok {
		return model.Worker{}, nil, "", fmt.Errorf("%w for %s", ErrNoWorker, t)
	}

	params := model.CloneMap(metadata)
	for _, k := range bindingKeys {
		delete(params, k)
	}

	client := proxy.New(w.EndpointURL, d.timeout, d.logger)
	resp, err := client.StartOperation(ctx, proxy.StartRequest{
		OperationType: t,
		Parameters:    params,
		ResumeFrom:    from,
	})
	if err != nil {
		client.Close()
		if rerr := d.workers.ReleaseWorker(w.ID); rerr != nil {
			d.logger.Warn("failed to release worker", "worker_id", w.ID, "error", rerr)
		}
		if errors.Is(err, proxy.ErrBusy) {
			return model.Worker{}, nil, "", fmt.Errorf("%w: worker %s reported busy", ErrNoWorker, w.ID)
		}
		return model.Worker{}, nil, "", fmt.Errorf("start %s on worker %s: %w", t, w.ID, err)
	}

	d.logger.Info("operation started on worker", "worker_id", w.ID, "endpoint", w.EndpointURL, "host_operation_id", resp.OperationID, "type", t, "resumed", from != nil)
	return w, client, resp.OperationID, nil
}

// bind attaches local operation id to the worker operation hostID. The
// worker is assigned first so the terminal hook can always release it.
func (d *Dispatcher) bind(ctx context.Context, id string, w model.Worker, client *proxy.Client, hostID string, start bool) error {
	if err := d.workers.AssignOperation(w.ID, id); err != nil {
		d.abandon(ctx, w, client, hostID)
		return fmt.Errorf("assign worker: %w", err)
	}
	if start {
		if err := d.ops.StartOperation(ctx, id, nil); err != nil {
			d.abandon(ctx, w, client, hostID)
			return fmt.Errorf("start operation: %w", err)
		}
	}
	if err := d.ops.RegisterRemoteProxy(ctx, id, client, hostID); err != nil {
		d.abandon(ctx, w, client, hostID)
		return fmt.Errorf("bind operation: %w", err)
	}
	return nil
}

// abandon stops a worker operation that could not be tracked locally.
func (d *Dispatcher) abandon(ctx context.Context, w model.Worker, client *proxy.Client, hostID string) {
	if err := client.CancelOperation(context.WithoutCancel(ctx), hostID, "dispatch aborted"); err != nil {
		d.logger.Warn("failed to cancel abandoned worker operation", "worker_id", w.ID, "host_operation_id", hostID, "error", err)
	}
	client.Close()
	if err := d.workers.ReleaseWorker(w.ID); err != nil {
		d.logger.Warn("failed to release worker", "worker_id", w.ID, "error", err)
	}
}
