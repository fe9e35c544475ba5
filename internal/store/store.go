package store

import (
	"context"

	"github.com/seantiz/crucible/internal/model"
)

// ListFilter narrows ListOperations. Zero values mean "any".
type ListFilter struct {
	Status     model.Status
	Type       model.OperationType
	ParentID   string
	ActiveOnly bool
	// Limit <= 0 returns every matching row.
	Limit  int
	Offset int
}

// OperationStats holds aggregate operation counts.
type OperationStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_type"`
}

// Store defines the persistence operations for operations and checkpoints.
type Store interface {
	CreateOperation(ctx context.Context, op *model.Operation) error
	SaveOperation(ctx context.Context, op *model.Operation) error
	GetOperation(ctx context.Context, id string) (*model.Operation, error)
	ListOperations(ctx context.Context, f ListFilter) ([]*model.Operation, int, error)
	GetOperationStats(ctx context.Context) (*OperationStats, error)

	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	LatestCheckpoint(ctx context.Context, operationID string) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, operationID string) ([]*model.Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, operationID string) (int, error)
	PruneCheckpoints(ctx context.Context, operationID string, keep int) (int, error)

	Close() error
}
