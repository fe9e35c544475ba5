package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

const (
	// DefaultHeartbeatInterval is how often a worker re-registers.
	DefaultHeartbeatInterval = 15 * time.Second

	registerTimeout     = 5 * time.Second
	registerBaseBackoff = 500 * time.Millisecond
	registerMaxBackoff  = 30 * time.Second
)

// Registrar announces a worker to the backend. Re-registration doubles as
// the heartbeat that refreshes last_health_check_at.
type Registrar struct {
	backendURL string
	info       Info
	current    func() string
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRegistrar creates a registrar. current reports the operation the
// worker is running so a re-registering worker is never offered new work.
func NewRegistrar(backendURL string, info Info, current func() string, interval time.Duration, logger *slog.Logger) *Registrar {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Registrar{
		backendURL: strings.TrimRight(backendURL, "/"),
		info:       info,
		current:    current,
		interval:   interval,
		httpClient: &http.Client{Timeout: registerTimeout},
		logger:     logger,
	}
}

// Register announces the worker once and returns the id the backend knows
// it by.
func (r *Registrar) Register(ctx context.Context) (string, error) {
	body := map[string]any{
		"worker_id":    r.info.ID,
		"worker_type":  r.info.Type,
		"endpoint_url": r.info.EndpointURL,
	}
	if cur := r.current(); cur != "" {
		body["current_operation_id"] = cur
	}

	var w model.Worker
	if err := r.do(ctx, http.MethodPost, "/api/v1/workers", body, &w); err != nil {
		return "", err
	}
	if w.ID != "" {
		r.info.ID = w.ID
	}
	return r.info.ID, nil
}

// Deregister removes the worker from the backend.
func (r *Registrar) Deregister(ctx context.Context) error {
	if r.info.ID == "" {
		return nil
	}
	return r.do(ctx, http.MethodDelete, "/api/v1/workers/"+url.PathEscape(r.info.ID), nil, nil)
}

// Run registers with exponential backoff until the backend answers, then
// heartbeats every interval. When ctx ends the worker deregisters.
func (r *Registrar) Run(ctx context.Context) {
	backoff := registerBaseBackoff
	for {
		id, err := r.Register(ctx)
		if err == nil {
			r.logger.Info("registered with backend", "worker_id", id, "backend_url", r.backendURL)
			break
		}
		r.logger.Warn("backend registration failed, retrying", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, registerMaxBackoff)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registerTimeout)
			if err := r.Deregister(dctx); err != nil {
				r.logger.Warn("deregistration failed", "worker_id", r.info.ID, "error", err)
			} else {
				r.logger.Info("deregistered from backend", "worker_id", r.info.ID)
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := r.Register(ctx); err != nil {
				r.logger.Warn("heartbeat failed", "worker_id", r.info.ID, "error", err)
			}
		}
	}
}

func (r *Registrar) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.backendURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &model.ConnectionError{URL: r.backendURL + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &model.ConnectionError{URL: r.backendURL + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
