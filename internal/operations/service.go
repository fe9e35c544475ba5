package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

// DefaultCacheTTL is how long a worker-hosted operation is served from cache
// before GetOperation pulls from the worker again.
const DefaultCacheTTL = time.Second

// ParentCancelledReason is the error message recorded on children cancelled
// because their parent was.
const ParentCancelledReason = "Parent operation cancelled"

const defaultCancelReason = "Cancelled by user"

// Proxy is the remote stand-in of an operation executing on a worker.
type Proxy interface {
	BaseURL() string
	GetOperation(ctx context.Context, hostID string) (*model.Operation, error)
	GetMetrics(ctx context.Context, hostID string, cursor int) ([]model.MetricPoint, int, error)
	CancelOperation(ctx context.Context, hostID, reason string) error
	GetOperationState(ctx context.Context, hostID string) map[string]any
	Close()
}

// ProxyFactory builds a proxy for a worker endpoint. It is used to rebuild
// bindings of worker-hosted operations when the service is reloaded.
type ProxyFactory func(endpoint string) Proxy

// Checkpointer takes and loads checkpoints on behalf of the service.
// Implementations must be best effort: CreateCheckpoint reports failure
// through its return value, never by panicking or blocking transitions.
type Checkpointer interface {
	CreateCheckpoint(ctx context.Context, operationID string, t model.CheckpointType, metadata map[string]any) bool
	LoadCheckpoint(ctx context.Context, operationID string) (*model.Checkpoint, error)
	ObserveProgress(ctx context.Context, operationID string, steps int)
	OperationFinished(ctx context.Context, operationID string, status model.Status)
}

// TerminalHook is called once each time an operation enters a terminal status.
type TerminalHook func(ctx context.Context, op *model.Operation)

// StartFunc launches execution of a freshly created operation.
type StartFunc func(ctx context.Context, op *model.Operation) error

// ResumeFunc relaunches execution of a resumed operation from a checkpoint.
type ResumeFunc func(ctx context.Context, op *model.Operation, cp *model.Checkpoint) error

// Options tunes a Service. Zero values select defaults.
type Options struct {
	CacheTTL     time.Duration
	ProxyFactory ProxyFactory
}

// Service owns every operation record. All mutations go through its methods,
// which serialize writes per operation id and write through to the store.
type Service struct {
	store    store.Store
	logger   *slog.Logger
	broker   *Broker
	ttl      time.Duration
	newProxy ProxyFactory

	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq uint64

	hooksMu      sync.RWMutex
	checkpointer Checkpointer
	onTerminal   []TerminalHook
	starters     map[model.OperationType]StartFunc
	resumers     map[model.OperationType]ResumeFunc
}

type entry struct {
	mu      sync.Mutex
	seq     uint64
	op      *model.Operation
	binding *binding
	cancel  context.CancelFunc
	state   map[string]any
}

// binding maps a backend operation to the operation hosting it on a worker.
type binding struct {
	proxy       Proxy
	hostID      string
	cursor      int
	lastRefresh time.Time
}

// NewService creates a lifecycle service backed by st.
func NewService(st store.Store, logger *slog.Logger, opts Options) *Service {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		store:    st,
		logger:   logger,
		broker:   NewBroker(),
		ttl:      ttl,
		newProxy: opts.ProxyFactory,
		entries:  make(map[string]*entry),
		starters: make(map[model.OperationType]StartFunc),
		resumers: make(map[model.OperationType]ResumeFunc),
	}
}

// Broker returns the update broker for SSE subscription.
func (s *Service) Broker() *Broker {
	return s.broker
}

// SetCheckpointer installs the checkpoint subsystem.
func (s *Service) SetCheckpointer(c Checkpointer) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.checkpointer = c
}

// OnTerminal registers a hook run after an operation reaches a terminal status.
func (s *Service) OnTerminal(h TerminalHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onTerminal = append(s.onTerminal, h)
}

// SetStarter registers how retried operations of type t are launched.
func (s *Service) SetStarter(t model.OperationType, fn StartFunc) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.starters[t] = fn
}

// SetResumer registers how resumed operations of type t are relaunched.
func (s *Service) SetResumer(t model.OperationType, fn ResumeFunc) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.resumers[t] = fn
}

func (s *Service) getCheckpointer() Checkpointer {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return s.checkpointer
}

// Load replaces the in-memory registry with the persisted operations and
// rebinds non-terminal worker-hosted operations to their workers.
func (s *Service) Load(ctx context.Context) error {
	ops, _, err := s.store.ListOperations(ctx, store.ListFilter{})
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })

	entries := make(map[string]*entry, len(ops))
	var active, rebound int
	for i, op := range ops {
		e := &entry{seq: uint64(i + 1), op: op}
		if !op.Status.Terminal() {
			active++
			endpoint := op.MetadataString(model.MetaWorkerEndpoint)
			hostID := op.MetadataString(model.MetaHostOperationID)
			if endpoint != "" && hostID != "" && s.newProxy != nil {
				cursor, _ := model.Float(op.Metadata[model.MetaHostMetricsCursor])
				e.binding = &binding{proxy: s.newProxy(endpoint), hostID: hostID, cursor: int(cursor)}
				rebound++
			}
		}
		entries[op.ID] = e
	}

	s.mu.Lock()
	s.entries = entries
	s.nextSeq = uint64(len(ops))
	s.mu.Unlock()

	activeOperations.Set(float64(active))
	s.logger.Info("operations loaded", "count", len(ops), "active", active, "rebound", rebound)
	return nil
}

func (s *Service) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "operation", ID: id}
	}
	return e, nil
}

// snapshot returns a copy of the cached record without refreshing it.
func (s *Service) snapshot(id string) (*model.Operation, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op.Clone(), nil
}

// CreateOperation registers a new PENDING operation.
func (s *Service) CreateOperation(ctx context.Context, t model.OperationType, metadata map[string]any, parentID string) (*model.Operation, error) {
	if t == "" {
		return nil, errors.New("operation type is required")
	}
	if parentID != "" {
		if _, err := s.lookup(parentID); err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
	}

	now := time.Now().UTC()
	op := &model.Operation{
		ID:                model.NewOperationID(t, now),
		Type:              t,
		Status:            model.StatusPending,
		CreatedAt:         now,
		Metadata:          model.CloneMap(metadata),
		ParentOperationID: parentID,
	}
	if op.Metadata == nil {
		op.Metadata = make(map[string]any)
	}

	if err := s.store.CreateOperation(context.WithoutCancel(ctx), op); err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}

	s.mu.Lock()
	s.nextSeq++
	s.entries[op.ID] = &entry{seq: s.nextSeq, op: op}
	snap := op.Clone()
	s.mu.Unlock()

	activeOperations.Inc()
	transitionsTotal.WithLabelValues(string(t), string(model.StatusPending)).Inc()
	s.publish(snap)
	s.logger.Info("operation created", "operation_id", op.ID, "type", t, "parent_operation_id", parentID)
	return snap, nil
}

// update applies fn to the operation under its lock, persists the result and
// runs post-transition side effects. fn must validate before mutating.
func (s *Service) update(ctx context.Context, id string, fn func(e *entry) error) (*model.Operation, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	prev := e.op.Status
	if err := fn(e); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	var released *binding
	if e.op.Status.Terminal() && !prev.Terminal() {
		released = e.binding
		e.binding = nil
		e.cancel = nil
	}
	snap := e.op.Clone()
	if err := s.store.SaveOperation(context.WithoutCancel(ctx), snap); err != nil {
		s.logger.Error("failed to persist operation", "operation_id", id, "error", err)
	}
	e.mu.Unlock()

	if released != nil {
		released.proxy.Close()
	}
	s.afterUpdate(ctx, prev, snap)
	return snap, nil
}

func (s *Service) afterUpdate(ctx context.Context, prev model.Status, op *model.Operation) {
	if prev != op.Status {
		transitionsTotal.WithLabelValues(string(op.Type), string(op.Status)).Inc()
		switch {
		case op.Status.Terminal() && !prev.Terminal():
			activeOperations.Dec()
		case !op.Status.Terminal() && prev.Terminal():
			activeOperations.Inc()
			s.broker.Reopen(op.ID)
		}
	}

	s.publish(op)

	if !op.Status.Terminal() || prev.Terminal() {
		return
	}
	s.broker.Close(op.ID)
	if cp := s.getCheckpointer(); cp != nil {
		cp.OperationFinished(ctx, op.ID, op.Status)
	}
	s.hooksMu.RLock()
	hooks := append([]TerminalHook(nil), s.onTerminal...)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, op)
	}
}

func (s *Service) publish(op *model.Operation) {
	data, err := json.Marshal(op)
	if err != nil {
		s.logger.Error("failed to encode operation snapshot", "operation_id", op.ID, "error", err)
		return
	}
	s.broker.Publish(op.ID, data)
}

// transition moves the entry to status to, stamping timestamps.
func (e *entry) transition(to model.Status, reason string) error {
	from := e.op.Status
	if !model.ValidTransition(from, to) {
		return &model.InvalidStateError{OperationID: e.op.ID, From: from, To: to, Reason: reason}
	}
	now := time.Now().UTC()
	e.op.Status = to
	switch {
	case to == model.StatusRunning:
		e.op.StartedAt = &now
		e.op.CompletedAt = nil
	case to.Terminal():
		e.op.CompletedAt = &now
	}
	return nil
}

// StartOperation moves a PENDING operation to RUNNING. cancel, if non-nil,
// is invoked when the operation is cancelled or failed from outside.
func (s *Service) StartOperation(ctx context.Context, id string, cancel context.CancelFunc) error {
	_, err := s.update(ctx, id, func(e *entry) error {
		if err := e.transition(model.StatusRunning, ""); err != nil {
			return err
		}
		e.cancel = cancel
		return nil
	})
	return err
}

// UpdateProgress replaces the progress of a non-terminal operation.
func (s *Service) UpdateProgress(ctx context.Context, id string, p model.Progress) error {
	_, err := s.update(ctx, id, func(e *entry) error {
		if e.op.Status.Terminal() {
			return &model.InvalidStateError{OperationID: id, From: e.op.Status, To: e.op.Status, Reason: "operation is terminal"}
		}
		e.op.Progress = p
		return nil
	})
	return err
}

// UpdateMetadata merges values into the operation's metadata. A nil value
// deletes the key.
func (s *Service) UpdateMetadata(ctx context.Context, id string, values map[string]any) (*model.Operation, error) {
	return s.update(ctx, id, func(e *entry) error {
		mergeMetadata(e.op, values)
		return nil
	})
}

func mergeMetadata(op *model.Operation, values map[string]any) {
	if op.Metadata == nil {
		op.Metadata = make(map[string]any)
	}
	for k, v := range values {
		if v == nil {
			delete(op.Metadata, k)
			continue
		}
		op.Metadata[k] = v
	}
}

// UpdateActiveMetadata is UpdateMetadata for an operation that must still
// be active. It fails with an InvalidStateError once the operation is
// terminal.
func (s *Service) UpdateActiveMetadata(ctx context.Context, id string, values map[string]any) (*model.Operation, error) {
	return s.update(ctx, id, func(e *entry) error {
		if e.op.Status.Terminal() {
			return &model.InvalidStateError{OperationID: id, From: e.op.Status, To: e.op.Status, Reason: "operation is terminal"}
		}
		mergeMetadata(e.op, values)
		return nil
	})
}

// AddWarning appends a warning to the operation.
func (s *Service) AddWarning(ctx context.Context, id, warning string) error {
	_, err := s.update(ctx, id, func(e *entry) error {
		e.op.Warnings = append(e.op.Warnings, warning)
		return nil
	})
	return err
}

// AddMetrics appends metric points to the bucket matching the operation type
// and recomputes training trends.
func (s *Service) AddMetrics(ctx context.Context, id string, points ...model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	_, err := s.update(ctx, id, func(e *entry) error {
		appendMetrics(e.op, points)
		return nil
	})
	if err != nil {
		return err
	}
	if cp := s.getCheckpointer(); cp != nil {
		cp.ObserveProgress(ctx, id, len(points))
	}
	return nil
}

func appendMetrics(op *model.Operation, points []model.MetricPoint) {
	b := model.BucketFor(op.Type)
	for _, p := range points {
		op.Metrics.Append(b, model.MetricPoint(model.CloneMap(p)))
	}
	if op.Type == model.TypeTraining {
		recomputeTrends(&op.Metrics)
	}
}

// SetLocalState records the resumable state of an in-process operation. It
// is what checkpoints of that operation capture.
func (s *Service) SetLocalState(id string, state map[string]any) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = model.CloneMap(state)
	return nil
}

// CompleteOperation moves a RUNNING operation to COMPLETED.
func (s *Service) CompleteOperation(ctx context.Context, id string, result map[string]any) error {
	op, err := s.update(ctx, id, func(e *entry) error {
		if err := e.transition(model.StatusCompleted, ""); err != nil {
			return err
		}
		e.op.ResultSummary = model.CloneMap(result)
		e.op.Progress.Percentage = 100
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("operation completed", "operation_id", id, "type", op.Type)
	return nil
}

// FailOperation moves an operation to FAILED, taking a failure checkpoint
// first when the policy asks for one. A running in-process task is cancelled.
func (s *Service) FailOperation(ctx context.Context, id, message string) error {
	return s.fail(ctx, id, message, true)
}

func (s *Service) fail(ctx context.Context, id, message string, withCheckpoint bool) error {
	cur, err := s.snapshot(id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(cur.Status, model.StatusFailed) {
		return &model.InvalidStateError{OperationID: id, From: cur.Status, To: model.StatusFailed}
	}

	if withCheckpoint && cur.Status == model.StatusRunning {
		s.checkpoint(ctx, id, model.CheckpointFailure, map[string]any{"error": message})
	}

	var cancel context.CancelFunc
	op, err := s.update(ctx, id, func(e *entry) error {
		c := e.cancel
		if err := e.transition(model.StatusFailed, ""); err != nil {
			return err
		}
		cancel = c
		e.op.ErrorMessage = message
		e.op.Errors = append(e.op.Errors, message)
		return nil
	})
	if err != nil {
		return err
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Warn("operation failed", "operation_id", id, "type", op.Type, "error", message)
	return nil
}

// checkpoint asks the checkpointer for a checkpoint and never fails.
func (s *Service) checkpoint(ctx context.Context, id string, t model.CheckpointType, metadata map[string]any) bool {
	cp := s.getCheckpointer()
	if cp == nil {
		return false
	}
	return cp.CreateCheckpoint(ctx, id, t, metadata)
}

// CancelResult describes the outcome of CancelOperation.
type CancelResult struct {
	OperationID       string       `json:"operation_id"`
	Status            model.Status `json:"status"`
	Reason            string       `json:"reason"`
	CancelledAt       time.Time    `json:"cancelled_at"`
	CheckpointCreated bool         `json:"checkpoint_created"`
	ChildrenCancelled []string     `json:"children_cancelled,omitempty"`
}

// CancelOperation cancels a non-terminal operation and every non-terminal
// child. The local task is signalled through its cancel func; a
// worker-hosted operation through the proxy's cancel call. force skips the
// cancellation checkpoint.
func (s *Service) CancelOperation(ctx context.Context, id, reason string, force bool) (*CancelResult, error) {
	if reason == "" {
		reason = defaultCancelReason
	}
	cur, err := s.snapshot(id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, &model.InvalidStateError{OperationID: id, From: cur.Status, To: model.StatusCancelled, Reason: "operation already finished"}
	}

	res := &CancelResult{OperationID: id, Status: model.StatusCancelled, Reason: reason}
	if !force && cur.Status == model.StatusRunning {
		res.CheckpointCreated = s.checkpoint(ctx, id, model.CheckpointCancellation, map[string]any{"reason": reason})
	}

	var (
		cancel context.CancelFunc
		remote *binding
	)
	op, err := s.update(ctx, id, func(e *entry) error {
		c, b := e.cancel, e.binding
		if err := e.transition(model.StatusCancelled, reason); err != nil {
			return err
		}
		cancel, remote = c, b
		// Closed below, after the worker has been told.
		e.binding = nil
		e.op.ErrorMessage = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.CancelledAt = *op.CompletedAt

	if cancel != nil {
		cancel()
	}
	if remote != nil {
		if err := remote.proxy.CancelOperation(ctx, remote.hostID, reason); err != nil {
			s.logger.Warn("failed to cancel worker operation", "operation_id", id, "host_operation_id", remote.hostID, "error", err)
		}
		remote.proxy.Close()
	}

	for _, childID := range s.activeChildIDs(id) {
		if _, err := s.CancelOperation(ctx, childID, ParentCancelledReason, force); err != nil {
			if errors.Is(err, model.ErrInvalidState) {
				continue
			}
			s.logger.Warn("failed to cancel child operation", "operation_id", childID, "parent_operation_id", id, "error", err)
			continue
		}
		res.ChildrenCancelled = append(res.ChildrenCancelled, childID)
	}

	s.logger.Info("operation cancelled", "operation_id", id, "reason", reason, "children", len(res.ChildrenCancelled))
	return res, nil
}

// childEntries returns the children of id ordered by creation.
func (s *Service) childEntries(id string) []*entry {
	s.mu.RLock()
	var out []*entry
	for _, e := range s.entries {
		e.mu.Lock()
		if e.op.ParentOperationID == id {
			out = append(out, e)
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Service) activeChildIDs(id string) []string {
	var ids []string
	for _, e := range s.childEntries(id) {
		e.mu.Lock()
		if !e.op.Status.Terminal() {
			ids = append(ids, e.op.ID)
		}
		e.mu.Unlock()
	}
	return ids
}

// TryResume atomically moves a CANCELLED or FAILED operation back to
// RUNNING. It returns false without changing anything for any other status.
func (s *Service) TryResume(ctx context.Context, id string) (bool, error) {
	e, err := s.lookup(id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	prev := e.op.Status
	if !prev.Resumable() {
		e.mu.Unlock()
		return false, nil
	}
	if err := e.transition(model.StatusRunning, "resume"); err != nil {
		e.mu.Unlock()
		return false, err
	}
	e.op.ErrorMessage = ""
	stale := e.binding
	e.binding = nil
	e.cancel = nil
	snap := e.op.Clone()
	if err := s.store.SaveOperation(context.WithoutCancel(ctx), snap); err != nil {
		s.logger.Error("failed to persist operation", "operation_id", id, "error", err)
	}
	e.mu.Unlock()

	if stale != nil {
		stale.proxy.Close()
	}
	s.afterUpdate(ctx, prev, snap)
	s.logger.Info("operation resumed", "operation_id", id, "from", prev)
	return true, nil
}

// RegisterRemoteProxy binds an operation to the worker operation hostID.
// The metrics cursor starts at zero. The worker endpoint and host id are
// recorded in metadata so the binding can be rebuilt by Load.
func (s *Service) RegisterRemoteProxy(ctx context.Context, id string, p Proxy, hostID string) error {
	var old *binding
	_, err := s.update(ctx, id, func(e *entry) error {
		if e.op.Status.Terminal() {
			return &model.InvalidStateError{OperationID: id, From: e.op.Status, To: e.op.Status, Reason: "cannot bind a finished operation"}
		}
		old = e.binding
		e.binding = &binding{proxy: p, hostID: hostID}
		if e.op.Metadata == nil {
			e.op.Metadata = make(map[string]any)
		}
		e.op.Metadata[model.MetaWorkerEndpoint] = p.BaseURL()
		e.op.Metadata[model.MetaHostOperationID] = hostID
		e.op.Metadata[model.MetaHostMetricsCursor] = 0
		return nil
	})
	if err != nil {
		return err
	}
	if old != nil && old.proxy != p {
		old.proxy.Close()
	}
	s.logger.Info("remote proxy registered", "operation_id", id, "host_operation_id", hostID, "endpoint", p.BaseURL())
	return nil
}

// IsRemote reports whether the operation is currently bound to a worker.
func (s *Service) IsRemote(id string) bool {
	e, err := s.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.binding != nil
}

// GetChildren returns the direct children of id in creation order.
// Worker-hosted children are refreshed like GetOperation; a child whose
// refresh fails is returned from cache.
func (s *Service) GetChildren(ctx context.Context, id string) ([]*model.Operation, error) {
	if _, err := s.lookup(id); err != nil {
		return nil, err
	}
	entries := s.childEntries(id)
	out := make([]*model.Operation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		childID := e.op.ID
		e.mu.Unlock()
		op, err := s.GetOperation(ctx, childID)
		if err != nil {
			s.logger.Warn("child refresh failed", "operation_id", childID, "error", err)
			if op, err = s.snapshot(childID); err != nil {
				continue
			}
		}
		out = append(out, op)
	}
	return out, nil
}

// ListResult is a page of operations.
type ListResult struct {
	Operations  []*model.Operation `json:"operations"`
	TotalCount  int                `json:"total_count"`
	ActiveCount int                `json:"active_count"`
}

// ListOperations returns cached operations matching f, newest first.
// ActiveCount counts pending or running operations matching the type and
// parent filters, whatever the status filter.
func (s *Service) ListOperations(_ context.Context, f store.ListFilter) *ListResult {
	type item struct {
		seq uint64
		op  *model.Operation
	}
	var matched []item
	res := &ListResult{}

	s.mu.RLock()
	for _, e := range s.entries {
		e.mu.Lock()
		op := e.op
		if (f.Type == "" || op.Type == f.Type) && (f.ParentID == "" || op.ParentOperationID == f.ParentID) {
			active := !op.Status.Terminal()
			if active {
				res.ActiveCount++
			}
			if (f.Status == "" || op.Status == f.Status) && (!f.ActiveOnly || active) {
				matched = append(matched, item{seq: e.seq, op: op.Clone()})
			}
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })
	res.TotalCount = len(matched)

	start := min(max(f.Offset, 0), len(matched))
	end := len(matched)
	if f.Limit > 0 {
		end = min(start+f.Limit, len(matched))
	}
	res.Operations = make([]*model.Operation, 0, end-start)
	for _, it := range matched[start:end] {
		res.Operations = append(res.Operations, it.op)
	}
	return res
}

// ActiveOperations returns non-terminal operations of type t in creation order.
func (s *Service) ActiveOperations(t model.OperationType) []*model.Operation {
	type item struct {
		seq uint64
		op  *model.Operation
	}
	var items []item
	s.mu.RLock()
	for _, e := range s.entries {
		e.mu.Lock()
		if e.op.Type == t && !e.op.Status.Terminal() {
			items = append(items, item{seq: e.seq, op: e.op.Clone()})
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]*model.Operation, len(items))
	for i, it := range items {
		out[i] = it.op
	}
	return out
}

// ActiveOperationOnWorker returns the oldest non-terminal operation whose
// metadata names workerID. It satisfies workers.ActiveLookup.
func (s *Service) ActiveOperationOnWorker(workerID string) (string, bool) {
	var (
		found string
		seq   uint64
	)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		e.mu.Lock()
		if !e.op.Status.Terminal() && e.op.MetadataString(model.MetaWorkerID) == workerID && (found == "" || e.seq < seq) {
			found, seq = e.op.ID, e.seq
		}
		e.mu.Unlock()
	}
	return found, found != ""
}

// Stats returns persisted operation counts.
func (s *Service) Stats(ctx context.Context) (*store.OperationStats, error) {
	return s.store.GetOperationStats(ctx)
}

// OperationType implements checkpoint.StateSource.
func (s *Service) OperationType(_ context.Context, id string) (model.OperationType, error) {
	op, err := s.snapshot(id)
	if err != nil {
		return "", err
	}
	return op.Type, nil
}

// OperationState implements checkpoint.StateSource. Local operations report
// the state their task recorded; worker-hosted ones ask the worker, which
// degrades to an empty map. Operations with neither report their progress
// and metadata.
func (s *Service) OperationState(ctx context.Context, id string) (map[string]any, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.state != nil {
		state := model.CloneMap(e.state)
		e.mu.Unlock()
		return state, nil
	}
	if b := e.binding; b != nil {
		e.mu.Unlock()
		return b.proxy.GetOperationState(ctx, b.hostID), nil
	}
	state := map[string]any{
		"progress": map[string]any{
			"percentage":   e.op.Progress.Percentage,
			"current_step": e.op.Progress.CurrentStep,
		},
		"metadata": model.CloneMap(e.op.Metadata),
	}
	e.mu.Unlock()
	return state, nil
}
