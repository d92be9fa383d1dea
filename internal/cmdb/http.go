package cmdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/nodepilot/internal/config"
	otelPkg "github.com/basket/nodepilot/internal/otel"
)

// maxAttempts is the capped retry budget per call.
const maxAttempts = 3

// Client is the HTTP implementation of Reader and Watcher.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *otelPkg.Metrics
}

var (
	_ Reader  = (*Client)(nil)
	_ Watcher = (*Client)(nil)
)

// NewClient builds a CMDB client from service config. The auth token is read
// from the environment variable the config names, so the token itself never
// lands in config.yaml.
func NewClient(cfg config.ServiceConfig, logger *slog.Logger, metrics *otelPkg.Metrics) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   os.Getenv(cfg.AuthTokenEnv),
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:  logger.With("component", "cmdb"),
		metrics: metrics,
	}
}

// NewClientForTesting builds a client with a custom transport, used by tests
// to point at an httptest.Server.
func NewClientForTesting(baseURL string, transport http.RoundTripper) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// envelope is the wire envelope every CMDB endpoint shares.
type envelope struct {
	Result  bool            `json:"result"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// post issues one JSON POST with capped exponential backoff. Transport
// errors and 5xx responses retry; application-level failures (result=false)
// do not, since CMDB reports those deterministically.
func (c *Client) post(ctx context.Context, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = c.postOnce(ctx, path, body, out)
		if lastErr == nil {
			c.recordCall(ctx, path, started, true)
			return nil
		}
		if !retryable(lastErr) || attempt == maxAttempts {
			break
		}
		delay := time.Duration(attempt) * 500 * time.Millisecond
		c.logger.Warn("cmdb call failed, retrying",
			"path", path, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			c.recordCall(ctx, path, started, false)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	c.recordCall(ctx, path, started, false)
	if retryable(lastErr) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, lastErr)
	}
	return lastErr
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func (c *Client) postOnce(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transientError{fmt.Errorf("%s: %w", path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &transientError{fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, snippet)}
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, snippet)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &transientError{fmt.Errorf("decode %s response: %w", path, err)}
	}
	if !env.Result {
		return fmt.Errorf("%s: cmdb error %d: %s", path, env.Code, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}

func (c *Client) recordCall(ctx context.Context, path string, started time.Time, ok bool) {
	if c.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", "cmdb"),
		attribute.String("path", path),
	)
	c.metrics.ExternalCallDur.Record(ctx, time.Since(started).Seconds(), attrs)
	if !ok {
		c.metrics.ExternalCallError.Add(ctx, 1, attrs)
	}
}

func (c *Client) ListHosts(ctx context.Context, bizID int64, hostIDs []int64) ([]HostInfo, error) {
	req := struct {
		BizID   int64   `json:"bk_biz_id"`
		HostIDs []int64 `json:"bk_host_ids,omitempty"`
	}{bizID, hostIDs}
	var out struct {
		Info []HostInfo `json:"info"`
	}
	if err := c.post(ctx, "/api/cc/list_hosts", req, &out); err != nil {
		return nil, err
	}
	return out.Info, nil
}

func (c *Client) ListTopoHosts(ctx context.Context, node TopoNode) ([]HostInfo, error) {
	var out struct {
		Info []HostInfo `json:"info"`
	}
	if err := c.post(ctx, "/api/cc/list_topo_hosts", node, &out); err != nil {
		return nil, err
	}
	return out.Info, nil
}

func (c *Client) ListServiceInstances(ctx context.Context, node TopoNode) ([]ServiceInstance, error) {
	var out struct {
		Info []ServiceInstance `json:"info"`
	}
	if err := c.post(ctx, "/api/cc/list_service_instances", node, &out); err != nil {
		return nil, err
	}
	return out.Info, nil
}

func (c *Client) TopoOrder(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.post(ctx, "/api/cc/get_mainline_object_topo", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ResourceWatch(ctx context.Context, resource, cursor string) (*WatchResult, error) {
	req := struct {
		Resource string `json:"bk_resource"`
		Cursor   string `json:"bk_cursor,omitempty"`
	}{resource, cursor}
	var out WatchResult
	if err := c.post(ctx, "/api/cc/resource_watch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
