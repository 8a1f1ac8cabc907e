package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sbenjam1n/gatesync/internal/ctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", opts...)
	require.NoError(t, err)
	return c
}

func TestPendingApprovalsDecodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/approvals/pending", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"A1","state":"awaiting_human_approval","created_at":"2026-01-01T00:00:00Z","human_readable_summary":"raise power"}]`))
	})
	c := newTestClient(t, mux)

	recs, err := c.PendingApprovals(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "A1", recs[0].ID)
	assert.Equal(t, ctl.StateAwaitingHumanApproval, recs[0].State)
	assert.Equal(t, "raise power", recs[0].HumanReadableSummary)
}

func TestReadEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/approvals", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"A1","state":"deployed"},{"id":"A2","state":"rejected"}]`))
	})
	mux.HandleFunc("GET /api/decisions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"decision_id":"d1","reward_signal":0.5}]`))
	})
	mux.HandleFunc("GET /api/telemetry", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"node_id":"n1","metrics":{"rsrp":-90}}]`))
	})
	mux.HandleFunc("GET /api/introspection/last-action", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"action":"tilt","timestamp":"2026-01-01T00:00:00Z"}`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	all, err := c.Approvals(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ds, err := c.Decisions(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, 0.5, ds[0].RewardSignal)

	nodes, err := c.Telemetry(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, -90.0, nodes[0].Metrics["rsrp"])

	la, err := c.LastAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tilt", la.Action)
}

func TestApproveSendsBody(t *testing.T) {
	var got approveRequest
	var path string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"status":"deployed"}`))
	}))

	require.NoError(t, c.Approve(context.Background(), "A1", "alice", "LGTM"))
	assert.Equal(t, "/api/approvals/A1/approve", path)
	assert.Equal(t, approveRequest{EngineerName: "alice", Comment: "LGTM"}, got)
}

func TestRejectSendsReason(t *testing.T) {
	var got rejectRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/approvals/A%2F2/reject", r.URL.EscapedPath())
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.Reject(context.Background(), "A/2", "bob", "too risky"))
	assert.Equal(t, "too risky", got.Reason)
}

func TestNon2xxBecomesError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		detail string
	}{
		{"detail string", http.StatusConflict, `{"detail":"approval already resolved"}`, "approval already resolved"},
		{"detail object", http.StatusUnprocessableEntity, `{"detail":[{"msg":"bad"}]}`, `[{"msg":"bad"}]`},
		{"plain body", http.StatusBadGateway, "upstream down\n", "upstream down"},
		{"empty body", http.StatusInternalServerError, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			err := c.Approve(context.Background(), "A1", "alice", "")
			var apiErr *Error
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.detail, apiErr.Detail)
		})
	}
}

func TestTransportErrorIsNotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c, err := New(srv.URL)
	require.NoError(t, err)
	srv.Close()

	err = c.Approve(context.Background(), "A1", "alice", "")
	require.Error(t, err)
	var apiErr *Error
	assert.False(t, errors.As(err, &apiErr))
}

func TestRateLimitSpacesRequests(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}), WithRateLimit(20))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	for ctx.Err() == nil {
		if _, err := c.Decisions(ctx); err != nil {
			break
		}
	}
	// burst of 20 plus roughly 4 more over 200ms
	assert.LessOrEqual(t, int(hits.Load()), 26)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://backend")
	assert.Error(t, err)
	_, err = New("://nope")
	assert.Error(t, err)
}
