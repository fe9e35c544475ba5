package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/crucible/internal/agent"
	"github.com/seantiz/crucible/internal/app"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/worker"
)

var (
	Version = "dev"

	configPath string
	stepDelay  time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "crucible",
		Short:   "Crucible - operations orchestration for strategy research",
		Version: Version,
		Long: `Crucible tracks long-running training, backtesting and research
operations, dispatches them to workers and checkpoints them for resume.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML or TOML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend control plane",
		RunE:  runServe,
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process with the simulated executor",
		RunE:  runWorker,
	}
	workerCmd.Flags().DurationVar(&stepDelay, "step-delay", 500*time.Millisecond, "Simulated time per epoch or bar")

	rootCmd.AddCommand(serveCmd, workerCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.AgentURL == "" {
		return errors.New("agent_url is required (CRUCIBLE_AGENT_URL)")
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting backend",
		"version", Version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"checkpoint_dir", cfg.CheckpointDir,
	)

	client := agent.NewClient(cfg.AgentURL, logger, agent.Options{RequestsPerMinute: cfg.AgentRequestsPerMinute})
	backend, err := app.NewBackend(cfg, client, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return backend.Run(ctx)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting worker",
		"version", Version,
		"worker_type", cfg.Worker.Type,
		"listen_addr", cfg.Worker.ListenAddr,
		"backend_url", cfg.Worker.BackendURL,
	)

	exec := &worker.Simulated{ArtifactsDir: filepath.Join(cfg.CheckpointDir, "artifacts", "workers"), StepDelay: stepDelay}
	w, err := app.NewWorker(cfg, exec, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
