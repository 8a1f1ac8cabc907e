// Package api is the REST client for the control backend's pull endpoints
// and approval actions.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sbenjam1n/gatesync/internal/ctl"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is read for its detail.
const maxErrorBody = 64 * 1024

// Error is a non-2xx response from the backend.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
}

// Client talks to the backend REST API.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit caps outgoing requests per second. A non-positive rate
// disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse API URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse API URL: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: DefaultTimeout},
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PendingApprovals fetches records awaiting a decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]ctl.ApprovalRecord, error) {
	var out []ctl.ApprovalRecord
	if err := c.get(ctx, "/api/approvals/pending", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Approvals fetches the approval history, resolved records included.
func (c *Client) Approvals(ctx context.Context) ([]ctl.ApprovalRecord, error) {
	var out []ctl.ApprovalRecord
	if err := c.get(ctx, "/api/approvals", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decisions fetches recent AI decisions.
func (c *Client) Decisions(ctx context.Context) ([]ctl.DecisionRecord, error) {
	var out []ctl.DecisionRecord
	if err := c.get(ctx, "/api/decisions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Telemetry fetches the latest per-node metrics.
func (c *Client) Telemetry(ctx context.Context) ([]ctl.NodeTelemetry, error) {
	var out []ctl.NodeTelemetry
	if err := c.get(ctx, "/api/telemetry", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LastAction fetches the most recent action the AI applied.
func (c *Client) LastAction(ctx context.Context) (ctl.LastAction, error) {
	var out ctl.LastAction
	err := c.get(ctx, "/api/introspection/last-action", &out)
	return out, err
}

type approveRequest struct {
	EngineerName string `json:"engineer_name"`
	Comment      string `json:"comment"`
}

type rejectRequest struct {
	EngineerName string `json:"engineer_name"`
	Reason       string `json:"reason"`
}

// Approve asks the backend to deploy approval id.
func (c *Client) Approve(ctx context.Context, id, engineer, comment string) error {
	path := "/api/approvals/" + url.PathEscape(id) + "/approve"
	return c.post(ctx, path, approveRequest{EngineerName: engineer, Comment: comment})
}

// Reject asks the backend to reject approval id.
func (c *Client) Reject(ctx context.Context, id, engineer, reason string) error {
	path := "/api/approvals/" + url.PathEscape(id) + "/reject"
	return c.post(ctx, path, rejectRequest{EngineerName: engineer, Reason: reason})
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			apiErr.Detail = s
		} else {
			apiErr.Detail = string(body.Detail)
		}
	} else {
		apiErr.Detail = strings.TrimSpace(string(raw))
	}
	return apiErr
}
