package proxy

import "github.com/seantiz/crucible/internal/model"

// Wire types shared by the backend's proxy and the worker API.

// ResumeFrom carries checkpoint data to a worker restarting an operation.
type ResumeFrom struct {
	CheckpointID  string         `json:"checkpoint_id,omitempty"`
	State         map[string]any `json:"state"`
	ArtifactsPath string         `json:"artifacts_path,omitempty"`
}

// StartRequest is the body of POST /api/v1/operations on a worker.
type StartRequest struct {
	OperationType model.OperationType `json:"operation_type"`
	Parameters    map[string]any      `json:"parameters"`
	ResumeFrom    *ResumeFrom         `json:"resume_from,omitempty"`
}

// StartResponse is the worker's reply to a StartRequest.
type StartResponse struct {
	OperationID string       `json:"operation_id"`
	Status      model.Status `json:"status"`
}

// MetricsResponse is the body of GET /api/v1/operations/{id}/metrics.
type MetricsResponse struct {
	OperationID string              `json:"operation_id"`
	Metrics     []model.MetricPoint `json:"metrics"`
	Cursor      int                 `json:"cursor"`
}

// CancelRequest is the optional body of a worker cancel call.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Health is the body of GET /health on a worker.
type Health struct {
	Healthy          bool   `json:"healthy"`
	WorkerID         string `json:"worker_id,omitempty"`
	WorkerType       string `json:"worker_type,omitempty"`
	WorkerStatus     string `json:"worker_status"`
	CurrentOperation string `json:"current_operation,omitempty"`
}

// Worker status values reported by Health.
const (
	WorkerIdle = "idle"
	WorkerBusy = "busy"
)
