package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sbenjam1n/gatesync/internal/ctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionGauges(t *testing.T) {
	m := New()
	m.ConnectionChanged(ctl.ConnectionState{Status: ctl.StatusErrored, ReconnectAttempt: 5})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.connStatus))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.reconnectAttempts))

	m.ConnectionChanged(ctl.ConnectionState{Status: ctl.StatusOpen})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connStatus))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.reconnectAttempts))
}

func TestCounters(t *testing.T) {
	m := New()
	m.Routed(ctl.KindAIDecision)
	m.Routed(ctl.KindAIDecision)
	m.Dropped("parse")
	m.Polled("decisions", 10*time.Millisecond, nil)
	m.Polled("decisions", 10*time.Millisecond, errors.New("refused"))
	m.Action("approve", "ok")
	m.Audited(ctl.AuditEntry{Action: ctl.ActionApproved})
	m.PendingChanged(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.routed.WithLabelValues("ai_decision")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("parse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues("decisions", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues("decisions", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("approve", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditEntries.WithLabelValues(ctl.ActionApproved)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingApprovals))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.PendingChanged(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "gate_approvals_pending 1"), string(body))
}
