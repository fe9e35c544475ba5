package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/crucible/internal/model"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "crucible.db"
	defaultPollInterval      = 2 * time.Second
	defaultProxyCacheTTL     = time.Second
	defaultHandlerTimeout    = 30 * time.Second
	defaultCheckpointDir     = "data/checkpoints"
	defaultAgentRPM          = 30
	defaultAccuracyThreshold = 0.10
	defaultSharpeThreshold   = 0.0
	defaultCheckpointKeep    = 3

	defaultWorkerListenAddr = ":5003"
	defaultWorkerDBPath     = "crucible-worker.db"
	defaultBackendURL       = "http://localhost:8080"

	envConfigFile        = "CRUCIBLE_CONFIG_FILE"
	envListenAddr        = "CRUCIBLE_LISTEN_ADDR"
	envDBPath            = "CRUCIBLE_DB_PATH"
	envLogLevel          = "CRUCIBLE_LOG_LEVEL"
	envPollInterval      = "CRUCIBLE_POLL_INTERVAL"
	envProxyCacheTTL     = "CRUCIBLE_PROXY_CACHE_TTL"
	envHandlerTimeout    = "CRUCIBLE_HANDLER_TIMEOUT"
	envCheckpointDir     = "CRUCIBLE_CHECKPOINT_DIR"
	envAgentURL          = "CRUCIBLE_AGENT_URL"
	envAgentRPM          = "CRUCIBLE_AGENT_RPM"
	envAccuracyThreshold = "CRUCIBLE_TRAINING_ACCURACY_THRESHOLD"
	envSharpeThreshold   = "CRUCIBLE_BACKTEST_SHARPE_THRESHOLD"

	envWorkerID         = "CRUCIBLE_WORKER_ID"
	envWorkerType       = "CRUCIBLE_WORKER_TYPE"
	envWorkerListenAddr = "CRUCIBLE_WORKER_LISTEN_ADDR"
	envWorkerEndpoint   = "CRUCIBLE_WORKER_ENDPOINT"
	envWorkerDBPath     = "CRUCIBLE_WORKER_DB_PATH"
	envBackendURL       = "CRUCIBLE_BACKEND_URL"
)

// Config holds application configuration. Values come from an optional
// YAML or TOML file and are overridden by environment variables.
type Config struct {
	ListenAddr     string
	DBPath         string
	LogLevel       slog.Level
	PollInterval   time.Duration
	ProxyCacheTTL  time.Duration
	HandlerTimeout time.Duration
	CheckpointDir  string
	CheckpointKeep int

	AgentURL               string
	AgentRequestsPerMinute int

	TrainingAccuracyThreshold float64
	BacktestSharpeThreshold   float64

	Worker WorkerConfig

	// Policies is the checkpoint policy table keyed by operation type.
	Policies map[model.OperationType]model.CheckpointPolicy
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	ID          string
	Type        model.WorkerType
	ListenAddr  string
	EndpointURL string
	DBPath      string
	BackendURL  string
}

// fileConfig mirrors the on-disk layout. Durations are strings such as "2s".
type fileConfig struct {
	ListenAddr                string   `yaml:"listen_addr" toml:"listen_addr"`
	DBPath                    string   `yaml:"db_path" toml:"db_path"`
	LogLevel                  string   `yaml:"log_level" toml:"log_level"`
	PollInterval              string   `yaml:"poll_interval" toml:"poll_interval"`
	ProxyCacheTTL             string   `yaml:"proxy_cache_ttl" toml:"proxy_cache_ttl"`
	HandlerTimeout            string   `yaml:"handler_timeout" toml:"handler_timeout"`
	CheckpointDir             string   `yaml:"checkpoint_dir" toml:"checkpoint_dir"`
	CheckpointKeep            int      `yaml:"checkpoint_keep" toml:"checkpoint_keep"`
	AgentURL                  string   `yaml:"agent_url" toml:"agent_url"`
	AgentRequestsPerMinute    int      `yaml:"agent_requests_per_minute" toml:"agent_requests_per_minute"`
	TrainingAccuracyThreshold *float64 `yaml:"training_accuracy_threshold" toml:"training_accuracy_threshold"`
	BacktestSharpeThreshold   *float64 `yaml:"backtest_sharpe_threshold" toml:"backtest_sharpe_threshold"`

	Worker struct {
		ID          string `yaml:"id" toml:"id"`
		Type        string `yaml:"type" toml:"type"`
		ListenAddr  string `yaml:"listen_addr" toml:"listen_addr"`
		EndpointURL string `yaml:"endpoint_url" toml:"endpoint_url"`
		DBPath      string `yaml:"db_path" toml:"db_path"`
		BackendURL  string `yaml:"backend_url" toml:"backend_url"`
	} `yaml:"worker" toml:"worker"`

	Policies map[string]model.CheckpointPolicy `yaml:"policies" toml:"policies"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:                defaultListenAddr,
		DBPath:                    defaultDBPath,
		LogLevel:                  slog.LevelInfo,
		PollInterval:              defaultPollInterval,
		ProxyCacheTTL:             defaultProxyCacheTTL,
		HandlerTimeout:            defaultHandlerTimeout,
		CheckpointDir:             defaultCheckpointDir,
		CheckpointKeep:            defaultCheckpointKeep,
		AgentRequestsPerMinute:    defaultAgentRPM,
		TrainingAccuracyThreshold: defaultAccuracyThreshold,
		BacktestSharpeThreshold:   defaultSharpeThreshold,
		Worker: WorkerConfig{
			Type:       model.WorkerTraining,
			ListenAddr: defaultWorkerListenAddr,
			DBPath:     defaultWorkerDBPath,
			BackendURL: defaultBackendURL,
		},
		Policies: DefaultPolicies(),
	}
}

// Load reads configuration from the file named by CRUCIBLE_CONFIG_FILE, if
// any, then applies environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFile reads configuration from path and applies environment overrides.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := loadFile(&cfg, path); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return fc.apply(cfg)
}

func (fc *fileConfig) apply(cfg *Config) error {
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.CheckpointDir, fc.CheckpointDir)
	setString(&cfg.AgentURL, fc.AgentURL)
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{fc.PollInterval, &cfg.PollInterval, "poll_interval"},
		{fc.ProxyCacheTTL, &cfg.ProxyCacheTTL, "proxy_cache_ttl"},
		{fc.HandlerTimeout, &cfg.HandlerTimeout, "handler_timeout"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if fc.CheckpointKeep > 0 {
		cfg.CheckpointKeep = fc.CheckpointKeep
	}
	if fc.AgentRequestsPerMinute > 0 {
		cfg.AgentRequestsPerMinute = fc.AgentRequestsPerMinute
	}
	if fc.TrainingAccuracyThreshold != nil {
		cfg.TrainingAccuracyThreshold = *fc.TrainingAccuracyThreshold
	}
	if fc.BacktestSharpeThreshold != nil {
		cfg.BacktestSharpeThreshold = *fc.BacktestSharpeThreshold
	}

	setString(&cfg.Worker.ID, fc.Worker.ID)
	if fc.Worker.Type != "" {
		cfg.Worker.Type = model.WorkerType(fc.Worker.Type)
	}
	setString(&cfg.Worker.ListenAddr, fc.Worker.ListenAddr)
	setString(&cfg.Worker.EndpointURL, fc.Worker.EndpointURL)
	setString(&cfg.Worker.DBPath, fc.Worker.DBPath)
	setString(&cfg.Worker.BackendURL, fc.Worker.BackendURL)

	for name, p := range fc.Policies {
		t := model.OperationType(strings.ToLower(name))
		if !model.ValidOperationType(t) {
			return fmt.Errorf("checkpoint policy for unknown operation type %q", name)
		}
		cfg.Policies[t] = p
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if d, ok := envDuration(envPollInterval); ok {
		cfg.PollInterval = d
	}
	if d, ok := envDuration(envProxyCacheTTL); ok {
		cfg.ProxyCacheTTL = d
	}
	if d, ok := envDuration(envHandlerTimeout); ok {
		cfg.HandlerTimeout = d
	}
	if v := os.Getenv(envCheckpointDir); v != "" {
		cfg.CheckpointDir = v
	}
	if v := os.Getenv(envAgentURL); v != "" {
		cfg.AgentURL = v
	}
	if v := os.Getenv(envAgentRPM); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AgentRequestsPerMinute = n
		}
	}
	if v := os.Getenv(envAccuracyThreshold); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TrainingAccuracyThreshold = f
		}
	}
	if v := os.Getenv(envSharpeThreshold); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.BacktestSharpeThreshold = f
		}
	}

	if v := os.Getenv(envWorkerID); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv(envWorkerType); v != "" {
		cfg.Worker.Type = model.WorkerType(strings.ToLower(v))
	}
	if v := os.Getenv(envWorkerListenAddr); v != "" {
		cfg.Worker.ListenAddr = v
	}
	if v := os.Getenv(envWorkerEndpoint); v != "" {
		cfg.Worker.EndpointURL = v
	}
	if v := os.Getenv(envWorkerDBPath); v != "" {
		cfg.Worker.DBPath = v
	}
	if v := os.Getenv(envBackendURL); v != "" {
		cfg.Worker.BackendURL = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
