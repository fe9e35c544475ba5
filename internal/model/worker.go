package model

import "time"

// WorkerType identifies what kind of work a worker process accepts.
type WorkerType string

// Worker type constants.
const (
	WorkerTraining    WorkerType = "training"
	WorkerBacktesting WorkerType = "backtesting"
	WorkerCPUTraining WorkerType = "cpu_training"
)

// WorkerTypeFor returns the worker type able to run operations of type t.
func WorkerTypeFor(t OperationType) (WorkerType, bool) {
	switch t {
	case TypeTraining:
		return WorkerTraining, true
	case TypeBacktesting:
		return WorkerBacktesting, true
	default:
		return "", false
	}
}

// Worker is an independent process that executes dispatched work.
type Worker struct {
	ID                 string     `json:"worker_id"`
	Type               WorkerType `json:"worker_type"`
	EndpointURL        string     `json:"endpoint_url"`
	Busy               bool       `json:"busy"`
	CurrentOperationID string     `json:"current_operation_id,omitempty"`
	LastHealthCheckAt  time.Time  `json:"last_health_check_at"`
	RegisteredAt       time.Time  `json:"registered_at"`
}
