package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

var errSuperseded = errors.New("binding superseded")

// GetOperation returns the operation. A worker-hosted operation whose cached
// copy is older than the cache TTL is first refreshed from its worker: status,
// progress and results are copied over and only metrics past the binding's
// cursor are merged. Nothing polls workers in the background, so this is
// where worker-side completion is discovered.
//
// Worker connection errors are returned to the caller.
func (s *Service) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	b := e.binding
	if b == nil || e.op.Status.Terminal() || time.Since(b.lastRefresh) < s.ttl {
		op := e.op.Clone()
		e.mu.Unlock()
		return op, nil
	}
	b.lastRefresh = time.Now()
	cursor := b.cursor
	e.mu.Unlock()

	remote, err := b.proxy.GetOperation(ctx, b.hostID)
	if err != nil {
		s.refreshFailed(e, b)
		return nil, fmt.Errorf("refresh operation %s: %w", id, err)
	}
	points, next, err := b.proxy.GetMetrics(ctx, b.hostID, cursor)
	if err != nil {
		s.refreshFailed(e, b)
		return nil, fmt.Errorf("refresh metrics %s: %w", id, err)
	}

	if remote.Status == model.StatusFailed {
		s.checkpoint(ctx, id, model.CheckpointFailure, map[string]any{"error": remote.ErrorMessage})
	}

	var merged int
	op, err := s.update(ctx, id, func(e *entry) error {
		if e.binding != b {
			return errSuperseded
		}
		if b.cursor == cursor {
			if len(points) > 0 {
				appendMetrics(e.op, points)
				merged = len(points)
			}
			b.cursor = next
			e.op.Metadata[model.MetaHostMetricsCursor] = next
		}
		mergeRemote(e, remote)
		return nil
	})
	if errors.Is(err, errSuperseded) {
		return s.snapshot(id)
	}
	if err != nil {
		return nil, err
	}
	proxyRefreshTotal.WithLabelValues("ok").Inc()

	if merged > 0 {
		if cp := s.getCheckpointer(); cp != nil {
			cp.ObserveProgress(ctx, id, merged)
		}
	}
	if op.Status.Terminal() {
		s.logger.Info("worker operation finished", "operation_id", id, "host_operation_id", b.hostID, "status", op.Status)
	}
	return op, nil
}

func (s *Service) refreshFailed(e *entry, b *binding) {
	proxyRefreshTotal.WithLabelValues("error").Inc()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.binding == b {
		b.lastRefresh = time.Time{}
	}
}

// mergeRemote copies the worker's view of an operation onto the local
// record. The worker's own operation id is never copied.
func mergeRemote(e *entry, remote *model.Operation) {
	e.op.Progress = remote.Progress
	if len(remote.Warnings) > len(e.op.Warnings) {
		e.op.Warnings = append([]string(nil), remote.Warnings...)
	}

	if remote.Status == model.StatusPending || remote.Status == e.op.Status {
		return
	}
	if e.op.Status == model.StatusPending {
		_ = e.transition(model.StatusRunning, "")
	}

	switch remote.Status {
	case model.StatusCompleted:
		if e.transition(model.StatusCompleted, "") == nil {
			e.op.ResultSummary = model.CloneMap(remote.ResultSummary)
			e.op.Progress.Percentage = 100
		}
	case model.StatusFailed:
		if e.transition(model.StatusFailed, "") == nil {
			msg := remote.ErrorMessage
			if msg == "" {
				msg = "worker reported failure"
			}
			e.op.ErrorMessage = msg
			e.op.Errors = append(e.op.Errors, msg)
		}
	case model.StatusCancelled:
		if e.transition(model.StatusCancelled, "") == nil {
			e.op.ErrorMessage = remote.ErrorMessage
			if e.op.ErrorMessage == "" {
				e.op.ErrorMessage = "cancelled on worker"
			}
		}
	}
}
