package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/sbenjam1n/gatesync/internal/ctl"
	"github.com/sbenjam1n/gatesync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	routed  map[ctl.Kind]int
	dropped map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{routed: map[ctl.Kind]int{}, dropped: map[string]int{}}
}

func (o *countingObserver) Routed(k ctl.Kind)     { o.routed[k]++ }
func (o *countingObserver) Dropped(reason string) { o.dropped[reason]++ }

func newTestRouter() (*Router, *store.Store, *countingObserver) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.New(store.Caps{}, nil, logger)
	obs := newCountingObserver()
	return New(s, obs, logger), s, obs
}

func frame(kind, payload string) []byte {
	return []byte(fmt.Sprintf(`{"kind":%q,"timestamp":"2026-03-01T12:00:00Z","payload":%s}`, kind, payload))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", `{"kind":"alert","payload":{}}`, false},
		{"not json", `hello`, true},
		{"missing kind", `{"payload":{}}`, true},
		{"truncated", `{"kind":"alert"`, true},
	}
	for _, tt := range tests {
		_, err := Parse([]byte(tt.data))
		if tt.wantErr {
			assert.True(t, errors.Is(err, ErrMalformed), tt.name)
		} else {
			assert.NoError(t, err, tt.name)
		}
	}
}

func TestRouteDecision(t *testing.T) {
	r, s, obs := newTestRouter()
	r.HandleFrame(context.Background(), frame("ai_decision", `{"decision_id":"d1","intent":"coverage","action_taken":"tilt","reward_signal":0.4}`))

	got := s.Decisions()
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DecisionID)
	assert.False(t, got[0].Timestamp.IsZero(), "frame timestamp fills a missing record timestamp")
	assert.Equal(t, 1, obs.routed[ctl.KindAIDecision])
}

func TestRouteApprovalAndEmergency(t *testing.T) {
	r, s, _ := newTestRouter()
	ctx := context.Background()
	r.HandleFrame(ctx, frame("approval_update", `{"id":"A1","state":"awaiting_human_approval","created_at":"2026-03-01T11:00:00Z","human_readable_summary":"narrow beam"}`))
	require.Len(t, s.Pending(), 1)

	r.HandleFrame(ctx, frame("emergency_override", `{"approval_id":"A1","reason":"fault"}`))
	got, ok := s.Approval("A1")
	require.True(t, ok)
	assert.Equal(t, ctl.StateEmergencyOverride, got.State)
	require.Len(t, s.Audit(), 1)
	assert.Equal(t, ctl.SystemActor, s.Audit()[0].Actor)
}

func TestRouteStateUpdateKPIAndEvents(t *testing.T) {
	r, s, _ := newTestRouter()
	ctx := context.Background()
	r.HandleFrame(ctx, frame("state_update", `{"nodes":[{"node_id":"n1","metrics":{"snr":12.5}}],"last_action":{"action":"tilt"}}`))
	r.HandleFrame(ctx, frame("kpi_update", `{"coverage":0.93}`))
	r.HandleFrame(ctx, frame("scenario_event", `{"name":"storm"}`))
	r.HandleFrame(ctx, frame("hurdle_response", `{"ok":true}`))
	r.HandleFrame(ctx, frame("alert", `{"severity":"high","message":"snr drop"}`))
	r.HandleFrame(ctx, frame("connected", `{}`))

	n, ok := s.NodeTelemetry("n1")
	require.True(t, ok)
	assert.Equal(t, 12.5, n.Metrics["snr"])
	la, ok := s.LastAction()
	require.True(t, ok)
	assert.Equal(t, "tilt", la.Action)
	k, ok := s.KPIs()
	require.True(t, ok)
	assert.Equal(t, 0.93, k.Values["coverage"])
	assert.Len(t, s.Events(ctl.KindScenarioEvent), 1)
	assert.Len(t, s.Events(ctl.KindHurdleResponse), 1)
	assert.Len(t, s.Alerts(), 1)
}

func TestUnknownKindIgnored(t *testing.T) {
	r, s, obs := newTestRouter()
	r.HandleFrame(context.Background(), frame("weather_report", `{"rain":true}`))

	assert.Empty(t, s.Decisions())
	assert.Equal(t, 1, obs.dropped["unknown_kind"])
}

func TestMalformedFramesDroppedWithoutPanic(t *testing.T) {
	r, s, obs := newTestRouter()
	ctx := context.Background()
	frames := [][]byte{
		[]byte(`{{{`),
		frame("ai_decision", `"not an object"`),
		frame("ai_decision", `{"intent":"no id"}`),
		frame("approval_update", `{"id":"A1","state":"launched"}`),
		frame("state_update", `[1,2]`),
		[]byte(`{"kind":"alert"}`),
	}
	for _, f := range frames {
		require.NotPanics(t, func() { r.HandleFrame(ctx, f) })
	}

	assert.Empty(t, s.Decisions())
	assert.Empty(t, s.Approvals())
	assert.Empty(t, s.Alerts())
	assert.Equal(t, 1, obs.dropped["parse"])
	assert.Equal(t, 5, obs.dropped["payload"])
}

func TestArrivalOrderPreserved(t *testing.T) {
	r, s, _ := newTestRouter()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r.HandleFrame(ctx, frame("ai_decision", fmt.Sprintf(`{"decision_id":"d%d","timestamp":"2026-03-01T12:00:0%dZ"}`, i, i)))
	}
	got := s.Decisions()
	require.Len(t, got, 5)
	for i, d := range got {
		assert.Equal(t, fmt.Sprintf("d%d", 4-i), d.DecisionID)
	}
}

func TestDispatchTableIsClosed(t *testing.T) {
	r, _, _ := newTestRouter()
	assert.ElementsMatch(t, []ctl.Kind{
		ctl.KindConnected, ctl.KindStateUpdate, ctl.KindAIDecision, ctl.KindAlert,
		ctl.KindKPIUpdate, ctl.KindHurdleResponse, ctl.KindScenarioEvent,
		ctl.KindApprovalUpdate, ctl.KindEmergencyOverride,
	}, r.Kinds())
}
