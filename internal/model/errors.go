package model

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below wrap these so callers can use errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state transition")
	ErrConnection   = errors.New("worker connection failed")
	ErrTimeout      = errors.New("worker request timed out")
	ErrWorker       = errors.New("worker failed")
	ErrGate         = errors.New("gate rejected")
)

// NotFoundError reports an unknown operation, checkpoint or worker.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError reports an illegal status transition.
type InvalidStateError struct {
	OperationID string
	From        Status
	To          Status
	Reason      string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("operation %s: cannot transition %s -> %s", e.OperationID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ConnectionError wraps a network failure talking to a worker.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

// Unwrap exposes both the underlying cause and the matching sentinel.
func (e *ConnectionError) Unwrap() []error {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return []error{e.Err, ErrTimeout}
	}
	return []error{e.Err, ErrConnection}
}

// WorkerError reports that a dispatched or in-process phase failed.
type WorkerError struct {
	Phase Phase
	Err   error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *WorkerError) Unwrap() []error { return []error{e.Err, ErrWorker} }

// GateError reports a policy rejection of an intermediate result. It is not
// a WorkerError: gate failures redirect the workflow instead of failing it.
type GateError struct {
	Gate   string
	Reason string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s gate rejected: %s", e.Gate, e.Reason)
}

func (e *GateError) Unwrap() error { return ErrGate }

// IsGateError reports whether err is a gate rejection.
func IsGateError(err error) bool {
	var ge *GateError
	return errors.As(err, &ge)
}
