package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/operations"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/worker"
)

// Worker is an assembled worker process.
type Worker struct {
	Ops       *operations.Service
	Server    *worker.Server
	Registrar *worker.Registrar

	store  *store.SQLiteStore
	logger *slog.Logger
}

// NewWorker opens the worker's own database and wires its API. A worker
// without an endpoint URL cannot be reached by the backend and is rejected.
func NewWorker(cfg config.Config, exec worker.Executor, logger *slog.Logger) (*Worker, error) {
	wc := cfg.Worker
	if wc.EndpointURL == "" {
		return nil, errors.New("worker endpoint_url is required")
	}

	db, err := store.NewSQLiteStore(wc.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open worker database: %w", err)
	}

	ops := operations.NewService(db, logger, operations.Options{})
	eng := engine.NewEngine(ops, logger, 0)
	info := worker.Info{ID: wc.ID, Type: wc.Type, EndpointURL: wc.EndpointURL}
	srv := worker.NewServer(wc.ListenAddr, info, ops, eng, exec, logger)

	return &Worker{
		Ops:       ops,
		Server:    srv,
		Registrar: worker.NewRegistrar(wc.BackendURL, info, srv.Current, worker.DefaultHeartbeatInterval, logger),
		store:     db,
		logger:    logger,
	}, nil
}

// Run fails operations orphaned by a previous run, then serves and keeps
// the backend registration alive until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Ops.Load(ctx); err != nil {
		return fmt.Errorf("load operations: %w", err)
	}
	w.Server.RecoverOrphans(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Server.Run(gctx)
	})
	g.Go(func() error {
		w.Registrar.Run(gctx)
		return nil
	})
	return g.Wait()
}

// Close releases the database.
func (w *Worker) Close() error {
	return w.store.Close()
}
