// testserver starts a crucible backend with a stub agent and two simulated
// workers, all in one process with in-memory databases.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/agent"
	"github.com/seantiz/crucible/internal/app"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg.DBPath = ":memory:"
	cfg.PollInterval = 500 * time.Millisecond

	dataDir, err := os.MkdirTemp("", "crucible-testserver-")
	if err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	defer os.RemoveAll(dataDir)
	cfg.CheckpointDir = filepath.Join(dataDir, "checkpoints")

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	stub := httptest.NewServer(agent.NewStubHandler())
	defer stub.Close()
	client := agent.NewClient(stub.URL, logger, agent.Options{})

	backend, err := app.NewBackend(cfg, client, logger)
	if err != nil {
		log.Fatalf("failed to start backend: %v", err)
	}
	defer backend.Close()

	backendURL := "http://" + loopback(cfg.ListenAddr)
	exec := &worker.Simulated{
		ArtifactsDir: filepath.Join(dataDir, "artifacts"),
		StepDelay:    200 * time.Millisecond,
	}

	var procs []*app.Worker
	for _, wt := range []model.WorkerType{model.WorkerTraining, model.WorkerBacktesting} {
		addr, err := freeAddr()
		if err != nil {
			log.Fatalf("failed to reserve worker port: %v", err)
		}
		wcfg := cfg
		wcfg.Worker = config.WorkerConfig{
			ID:          "stub-" + string(wt),
			Type:        wt,
			ListenAddr:  addr,
			EndpointURL: "http://" + addr,
			DBPath:      ":memory:",
			BackendURL:  backendURL,
		}
		w, err := app.NewWorker(wcfg, exec, logger)
		if err != nil {
			log.Fatalf("failed to start %s worker: %v", wt, err)
		}
		defer w.Close()
		procs = append(procs, w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("test server starting", "addr", cfg.ListenAddr, "agent_url", stub.URL, "workers", len(procs))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return backend.Run(gctx)
	})
	for _, w := range procs {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("test server: %v", err)
	}
}

// freeAddr reserves a loopback port for a worker listener.
func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// loopback turns a listen address such as ":8080" into one a local client
// can dial.
func loopback(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%s", host, port)
}
