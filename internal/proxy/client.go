// Package proxy is the backend's HTTP client for one worker process. It lets
// the lifecycle service represent an operation that actually runs on the
// worker, addressed there by the worker's own operation id.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/crucible/internal/model"
)

// DefaultTimeout bounds every call to a worker.
const DefaultTimeout = 10 * time.Second

// maxResponseSize caps how much of a worker response is read.
const maxResponseSize = 4 << 20

// ErrBusy is returned by StartOperation when the worker already runs an operation.
var ErrBusy = errors.New("worker busy")

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crucible_proxy_requests_total",
		Help: "Requests from the backend to workers by call and result.",
	},
	[]string{"call", "result"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

// StatusError is a non-2xx worker response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one worker. A single http.Client is reused for every call
// so connections are pooled; Close releases them.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client for the worker at baseURL.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// BaseURL returns the worker endpoint this client is bound to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// GetOperation fetches the worker's record of operation hostID.
func (c *Client) GetOperation(ctx context.Context, hostID string) (*model.Operation, error) {
	var op model.Operation
	if err := c.do(ctx, "get_operation", http.MethodGet, "/api/v1/operations/"+url.PathEscape(hostID), nil, &op); err != nil {
		return nil, c.notFound(err, hostID)
	}
	return &op, nil
}

// GetMetrics fetches metric points at or after cursor and the next cursor.
func (c *Client) GetMetrics(ctx context.Context, hostID string, cursor int) ([]model.MetricPoint, int, error) {
	path := "/api/v1/operations/" + url.PathEscape(hostID) + "/metrics?cursor=" + strconv.Itoa(cursor)
	var resp MetricsResponse
	if err := c.do(ctx, "get_metrics", http.MethodGet, path, nil, &resp); err != nil {
		return nil, cursor, c.notFound(err, hostID)
	}
	return resp.Metrics, resp.Cursor, nil
}

// CancelOperation asks the worker to stop operation hostID.
func (c *Client) CancelOperation(ctx context.Context, hostID, reason string) error {
	path := "/api/v1/operations/" + url.PathEscape(hostID) + "/cancel"
	if err := c.do(ctx, "cancel_operation", http.MethodDelete, path, CancelRequest{Reason: reason}, nil); err != nil {
		return c.notFound(err, hostID)
	}
	return nil
}

// GetOperationState fetches the small checkpoint snapshot of hostID. Any
// failure yields an empty map.
func (c *Client) GetOperationState(ctx context.Context, hostID string) map[string]any {
	state := make(map[string]any)
	if err := c.do(ctx, "get_state", http.MethodGet, "/api/v1/operations/"+url.PathEscape(hostID)+"/state", nil, &state); err != nil {
		c.logger.Warn("worker state unavailable", "endpoint", c.baseURL, "host_operation_id", hostID, "error", err)
		return map[string]any{}
	}
	return state
}

// StartOperation launches an operation on the worker.
func (c *Client) StartOperation(ctx context.Context, req StartRequest) (*StartResponse, error) {
	var resp StartResponse
	if err := c.do(ctx, "start_operation", http.MethodPost, "/api/v1/operations", req, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", ErrBusy, se.Message)
		}
		return nil, err
	}
	return &resp, nil
}

// Health fetches the worker's health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) notFound(err error, hostID string) error {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return &model.NotFoundError{Kind: "worker operation", ID: hostID}
	}
	return err
}

// do performs one JSON request. Transport failures become
// *model.ConnectionError; non-2xx responses become *StatusError.
func (c *Client) do(ctx context.Context, call, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(call, "error").Inc()
		var ue *url.Error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if errors.As(err, &ue) && ue.Timeout() && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, ue.Err)
		}
		return &model.ConnectionError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		requestsTotal.WithLabelValues(call, "error").Inc()
		return &model.ConnectionError{URL: endpoint, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		requestsTotal.WithLabelValues(call, strconv.Itoa(resp.StatusCode)).Inc()
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	requestsTotal.WithLabelValues(call, "ok").Inc()

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", call, err)
	}
	return nil
}
