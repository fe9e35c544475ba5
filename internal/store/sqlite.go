package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const createOperationsTable = `
CREATE TABLE IF NOT EXISTS operations (
    id             TEXT PRIMARY KEY,
    type           TEXT NOT NULL,
    status         TEXT NOT NULL,
    parent_id      TEXT,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    completed_at   DATETIME,
    error_message  TEXT NOT NULL DEFAULT '',
    progress       TEXT NOT NULL DEFAULT '{}',
    metadata       TEXT NOT NULL DEFAULT '{}',
    warnings       TEXT NOT NULL DEFAULT '[]',
    errors         TEXT NOT NULL DEFAULT '[]',
    result_summary TEXT NOT NULL DEFAULT 'null',
    metrics        TEXT NOT NULL DEFAULT '{}'
)`

const createCheckpointsTable = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id              TEXT PRIMARY KEY,
    operation_id    TEXT NOT NULL,
    checkpoint_type TEXT NOT NULL,
    created_at      DATETIME NOT NULL,
    state           TEXT NOT NULL DEFAULT '{}',
    artifacts_path  TEXT NOT NULL DEFAULT ''
)`

var createIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_operations_parent ON operations(parent_id)",
	"CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status)",
	"CREATE INDEX IF NOT EXISTS idx_checkpoints_operation ON checkpoints(operation_id, created_at)",
}

const operationColumns = `id, type, status, parent_id, created_at, started_at, completed_at,
	error_message, progress, metadata, warnings, errors, result_summary, metrics`

// ErrNotFound is returned when an operation or checkpoint is not found.
var ErrNotFound = fmt.Errorf("store: %w", model.ErrNotFound)

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: gets its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range append([]string{createOperationsTable, createCheckpointsTable}, createIndexes...) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateOperation inserts a new operation record.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *model.Operation) error {
	args, err := operationArgs(op)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// SaveOperation writes the full operation record, inserting it if missing.
func (s *SQLiteStore) SaveOperation(ctx context.Context, op *model.Operation) error {
	args, err := operationArgs(op)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			parent_id = excluded.parent_id,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			progress = excluded.progress,
			metadata = excluded.metadata,
			warnings = excluded.warnings,
			errors = excluded.errors,
			result_summary = excluded.result_summary,
			metrics = excluded.metrics`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("save operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// ListOperations returns operations matching f ordered by created_at DESC,
// along with the total count of matching operations.
func (s *SQLiteStore) ListOperations(ctx context.Context, f ListFilter) ([]*model.Operation, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if f.ActiveOnly {
		where = append(where, "status IN (?, ?)")
		args = append(args, string(model.StatusPending), string(model.StatusRunning))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count operations: %w", err)
	}

	query := `SELECT ` + operationColumns + ` FROM operations` + clause + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, max(f.Offset, 0))
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate operations: %w", err)
	}

	return ops, total, nil
}

// GetOperationStats returns operation counts grouped by status and type.
func (s *SQLiteStore) GetOperationStats(ctx context.Context) (*OperationStats, error) {
	stats := &OperationStats{
		CountByStatus: make(map[string]int),
		CountByType:   make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}

	for _, group := range []struct {
		column string
		dst    map[string]int
	}{
		{"status", stats.CountByStatus},
		{"type", stats.CountByType},
	} {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+group.column+", COUNT(*) FROM operations GROUP BY "+group.column)
		if err != nil {
			return nil, fmt.Errorf("group by %s: %w", group.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", group.column, err)
			}
			group.dst[key] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate %s counts: %w", group.column, err)
		}
	}

	return stats, nil
}

// SaveCheckpoint inserts a checkpoint record.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, operation_id, checkpoint_type, created_at, state, artifacts_path)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.OperationID, string(cp.Type), cp.CreatedAt, string(state), cp.ArtifactsPath,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint of an operation.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, operationID string) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, operation_id, checkpoint_type, created_at, state, artifacts_path
		FROM checkpoints WHERE operation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, operationID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints of an operation, newest first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, operationID string) ([]*model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation_id, checkpoint_type, created_at, state, artifacts_path
		FROM checkpoints WHERE operation_id = ?
		ORDER BY created_at DESC, id DESC`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return cps, nil
}

// DeleteCheckpoints removes every checkpoint of an operation and reports
// how many were deleted.
func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, operationID string) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE operation_id = ?", operationID)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// PruneCheckpoints keeps the newest keep checkpoints of an operation and
// deletes the superseded rest.
func (s *SQLiteStore) PruneCheckpoints(ctx context.Context, operationID string, keep int) (int, error) {
	if keep <= 0 {
		return s.DeleteCheckpoints(ctx, operationID)
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE operation_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE operation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`, operationID, operationID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func operationArgs(op *model.Operation) ([]any, error) {
	enc := func(name string, v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", name, err)
		}
		return string(b), nil
	}

	progress, err := enc("progress", op.Progress)
	if err != nil {
		return nil, err
	}
	metadata, err := enc("metadata", op.Metadata)
	if err != nil {
		return nil, err
	}
	warnings, err := enc("warnings", op.Warnings)
	if err != nil {
		return nil, err
	}
	errs, err := enc("errors", op.Errors)
	if err != nil {
		return nil, err
	}
	summary, err := enc("result_summary", op.ResultSummary)
	if err != nil {
		return nil, err
	}
	metrics, err := enc("metrics", op.Metrics)
	if err != nil {
		return nil, err
	}

	var parent *string
	if op.ParentOperationID != "" {
		parent = &op.ParentOperationID
	}

	return []any{
		op.ID, string(op.Type), string(op.Status), parent, op.CreatedAt, op.StartedAt, op.CompletedAt,
		op.ErrorMessage, progress, metadata, warnings, errs, summary, metrics,
	}, nil
}

func scanOperation(row rowScanner) (*model.Operation, error) {
	op := &model.Operation{}
	var (
		typ, status                                       string
		parent                                            sql.NullString
		progress, metadata, warnings, errs, summary, mets string
	)
	if err := row.Scan(
		&op.ID, &typ, &status, &parent, &op.CreatedAt, &op.StartedAt, &op.CompletedAt,
		&op.ErrorMessage, &progress, &metadata, &warnings, &errs, &summary, &mets,
	); err != nil {
		return nil, err
	}
	op.Type = model.OperationType(typ)
	op.Status = model.Status(status)
	op.ParentOperationID = parent.String

	for _, col := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"progress", progress, &op.Progress},
		{"metadata", metadata, &op.Metadata},
		{"warnings", warnings, &op.Warnings},
		{"errors", errs, &op.Errors},
		{"result_summary", summary, &op.ResultSummary},
		{"metrics", mets, &op.Metrics},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", col.name, err)
		}
	}
	if op.Metadata == nil {
		op.Metadata = map[string]any{}
	}
	return op, nil
}

func scanCheckpoint(row rowScanner) (*model.Checkpoint, error) {
	cp := &model.Checkpoint{}
	var typ, state string
	if err := row.Scan(&cp.ID, &cp.OperationID, &typ, &cp.CreatedAt, &state, &cp.ArtifactsPath); err != nil {
		return nil, err
	}
	cp.Type = model.CheckpointType(typ)
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	return cp, nil
}
