// Package transport is the agent's HTTP client for the baseline server.
//
// Every request carries the agent bearer token and is retried with bounded
// exponential backoff (±25 % jitter) on 5xx responses, timeouts, and
// refused connections. 4xx responses are terminal. Waits between attempts
// abort as soon as the caller's context is done.
package transport

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

	"github.com/cenkalti/backoff/v4"

	"github.com/xuanbach152/baseline-monitor/internal/api"
)

const (
	apiPrefix          = "/api/v1"
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	maxErrorBody       = 4 << 10
)

// ClientConfig holds the parameters for Client.
type ClientConfig struct {
	// BaseURL is the server's root URL, e.g. "https://baseline.example.com".
	BaseURL string

	// Token is sent as "Authorization: Bearer <token>" when non-empty.
	Token string

	// Timeout bounds each individual attempt. Defaults to 30s.
	Timeout time.Duration

	// MaxAttempts is the total number of tries per request, including the
	// first. Defaults to 3.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt. Defaults to 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the base wait between attempts before jitter.
	// Defaults to 30s.
	MaxBackoff time.Duration

	// UserAgent is sent with every request when non-empty.
	UserAgent string
}

// Client talks to the server's /api/v1 endpoints.
type Client struct {
	cfg    ClientConfig
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// New validates cfg, fills in defaults and returns a Client.
func New(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: base url %q must use http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
	}
	return &Client{
		cfg:    cfg,
		base:   u,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Health returns nil when the server answers GET /healthz with 200.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Register creates or refreshes this host's agent record. Registering the
// same hostname again returns the same id.
func (c *Client) Register(ctx context.Context, reg api.AgentRegistration) (api.Agent, error) {
	var out api.Agent
	err := c.do(ctx, http.MethodPost, apiPrefix+"/agents", reg, &out)
	return out, err
}

// Heartbeat marks the agent online. errors.Is(err, ErrNotFound) means the
// id is stale and the agent must register again.
func (c *Client) Heartbeat(ctx context.Context, agentID int64, hb api.AgentHeartbeat) (api.Agent, error) {
	var out api.Agent
	path := apiPrefix + "/agents/" + strconv.FormatInt(agentID, 10) + "/heartbeat"
	err := c.do(ctx, http.MethodPost, path, hb, &out)
	return out, err
}

// ReportViolation submits one violation named by its external rule id.
func (c *Client) ReportViolation(ctx context.Context, v api.ViolationFromAgent) (api.Violation, error) {
	var out api.Violation
	err := c.do(ctx, http.MethodPost, apiPrefix+"/violations/from-agent", v, &out)
	return out, err
}

// ReportBulk submits several violations in one request. A nil error does
// not mean every item was stored; inspect the result's Errors.
func (c *Client) ReportBulk(ctx context.Context, agentID int64, items []api.BulkViolation) (api.BulkResult, error) {
	var out api.BulkResult
	path := apiPrefix + "/agents/" + strconv.FormatInt(agentID, 10) + "/violations/bulk"
	err := c.do(ctx, http.MethodPost, path, api.BulkViolations{Violations: items}, &out)
	return out, err
}

// do sends the request, retrying per policy, and decodes a 2xx body into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("transport: encode %s %s: %w", method, path, err)
		}
		body = b
	}

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := c.once(ctx, method, path, body, out)
		if err != nil && (ctx.Err() != nil || !Retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, c.retryPolicy(ctx), func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
	})
	if err != nil && attempts == c.cfg.MaxAttempts && Retryable(err) {
		return fmt.Errorf("transport: %s %s: giving up after %d attempts: %w", method, path, attempts, err)
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("transport: decode %s %s response: %w", method, path, err)
	}
	return nil
}

// errorMessage extracts the "error" field of a JSON error body.
func errorMessage(raw []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
