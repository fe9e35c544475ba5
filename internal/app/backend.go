// Package app assembles the backend control plane and the worker process
// from their parts.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/checkpoint"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/dispatch"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/operations"
	"github.com/seantiz/crucible/internal/proxy"
	"github.com/seantiz/crucible/internal/research"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/workers"
)

// Agent designs strategies and assesses finished research.
type Agent interface {
	research.Designer
	research.Assessor
}

// Backend is the assembled control plane.
type Backend struct {
	Ops         *operations.Service
	Checkpoints *checkpoint.Service
	Workers     *workers.Registry
	Engine      *engine.Engine
	Dispatcher  *dispatch.Dispatcher
	Coordinator *research.Coordinator
	Server      *api.Server

	store  *store.SQLiteStore
	logger *slog.Logger
}

// NewBackend opens the database and wires every service together. Hooks
// are registered before anything is loaded so restored operations are
// handled like new ones.
func NewBackend(cfg config.Config, agent Agent, logger *slog.Logger) (*Backend, error) {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ops := operations.NewService(db, logger, operations.Options{
		CacheTTL:     cfg.ProxyCacheTTL,
		ProxyFactory: dispatch.NewProxyFactory(proxy.DefaultTimeout, logger),
	})
	cps := checkpoint.NewService(db, ops, logger, checkpoint.Options{
		Dir:      cfg.CheckpointDir,
		Keep:     cfg.CheckpointKeep,
		Policies: cfg.Policies,
	})
	ops.SetCheckpointer(cps)

	reg := workers.NewRegistry(logger)
	ops.OnTerminal(reg.ReleaseOnTerminal)
	reg.SetActiveLookup(ops.ActiveOperationOnWorker)

	eng := engine.NewEngine(ops, logger, 0)
	disp := dispatch.New(ops, reg, proxy.DefaultTimeout, logger)
	disp.Register()

	coord := research.New(ops, eng, agent, agent, disp, logger, research.Options{
		PollInterval:   cfg.PollInterval,
		HandlerTimeout: cfg.HandlerTimeout,
		TrainingGate:   research.AccuracyGate(cfg.TrainingAccuracyThreshold),
		BacktestGate:   research.SharpeGate(cfg.BacktestSharpeThreshold),
	})
	coord.Register()

	return &Backend{
		Ops:         ops,
		Checkpoints: cps,
		Workers:     reg,
		Engine:      eng,
		Dispatcher:  disp,
		Coordinator: coord,
		Server:      api.NewServer(cfg.ListenAddr, ops, cps, reg, logger),
		store:       db,
		logger:      logger,
	}, nil
}

// Run loads persisted operations, then serves the API and runs the research
// coordinator until ctx is cancelled.
func (b *Backend) Run(ctx context.Context) error {
	if err := b.Ops.Load(ctx); err != nil {
		return fmt.Errorf("load operations: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Server.Run(gctx)
	})
	g.Go(func() error {
		if err := b.Coordinator.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	err := g.Wait()

	b.Engine.CancelAll()
	b.Engine.Wait()
	return err
}

// Close releases the database.
func (b *Backend) Close() error {
	return b.store.Close()
}
