// Package agent is the client for the external design and assessment agent
// service used by research operations.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultHTTPTimeout bounds a single agent request.
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries is the maximum number of retry attempts.
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff.
	DefaultBaseRetryDelay = 2 * time.Second
)

// APIError is a failed agent request.
type APIError struct {
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("agent error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("agent error: %s", e.Message)
}

// Options configures a Client.
type Options struct {
	RequestsPerMinute int
	Timeout           time.Duration
	MaxRetries        int
	BaseRetryDelay    time.Duration
}

// Client calls the agent service. Requests are rate limited and retried
// with exponential backoff on rate limits and server errors.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	limiter        *rate.Limiter
	logger         *slog.Logger
	maxRetries     int
	baseRetryDelay time.Duration
}

// NewClient creates a client for the agent at baseURL.
func NewClient(baseURL string, logger *slog.Logger, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	delay := opts.BaseRetryDelay
	if delay <= 0 {
		delay = DefaultBaseRetryDelay
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if rpm := opts.RequestsPerMinute; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), max(5, rpm/5))
	}

	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{Timeout: timeout},
		limiter:        limiter,
		logger:         logger,
		maxRetries:     maxRetries,
		baseRetryDelay: delay,
	}
}

// Design asks the agent for a strategy design.
func (c *Client) Design(ctx context.Context, req DesignRequest) (*DesignResult, error) {
	var out DesignResult
	if err := c.call(ctx, "/v1/design", req, &out); err != nil {
		return nil, err
	}
	if out.StrategyPath == "" {
		return nil, errors.New("agent returned a design without strategy_path")
	}
	return &out, nil
}

// Assess asks the agent for a verdict on a finished research.
func (c *Client) Assess(ctx context.Context, req AssessmentRequest) (*Assessment, error) {
	var out Assessment
	if err := c.call(ctx, "/v1/assess", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
			c.logger.Warn("retrying agent request", "path", path, "attempt", attempt, "max_retries", c.maxRetries, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
		err := c.doRequest(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &APIError{Message: fmt.Sprintf("request failed: %v", err), Retryable: true}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &APIError{
			Message:    msg,
			StatusCode: httpResp.StatusCode,
			Retryable:  retryableStatus(httpResp.StatusCode),
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}
