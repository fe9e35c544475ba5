package worker

import (
	"context"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/proxy"
)

// Job is one operation handed to an Executor.
type Job struct {
	OperationID   string
	OperationType model.OperationType
	Parameters    map[string]any
	// ResumeFrom is set when the backend restarts the job from a checkpoint.
	ResumeFrom *proxy.ResumeFrom
}

// Executor runs jobs on a worker. Implementations report progress, metrics
// and resumable state through the reporter and must return promptly once
// ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, r *engine.Reporter, job Job) (map[string]any, error)
}
