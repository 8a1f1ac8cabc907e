// Package metrics exposes the client's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sbenjam1n/gatesync/internal/ctl"
)

const namespace = "gate"

// statusValues maps connection status onto the status gauge.
var statusValues = map[ctl.ConnectionStatus]float64{
	ctl.StatusClosed:     0,
	ctl.StatusConnecting: 1,
	ctl.StatusOpen:       2,
	ctl.StatusErrored:    3,
}

// Metrics holds every instrument, registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	// connStatus is 0 closed, 1 connecting, 2 open, 3 errored.
	connStatus        prometheus.Gauge
	reconnectAttempts prometheus.Gauge
	pendingApprovals  prometheus.Gauge

	// routed counts dispatched channel messages.
	// Labels: kind
	routed *prometheus.CounterVec
	// dropped counts channel messages that reached no handler.
	// Labels: reason (parse, unknown_kind, payload)
	dropped *prometheus.CounterVec
	// polls counts pull results.
	// Labels: class, outcome (ok, error)
	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	// actions counts operator actions.
	// Labels: action (approve, reject), outcome
	actions      *prometheus.CounterVec
	auditEntries *prometheus.CounterVec
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		connStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "status",
			Help:      "Push channel status (0 closed, 1 connecting, 2 open, 3 errored)",
		}),
		reconnectAttempts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnect_attempts",
			Help:      "Consecutive failed reconnect attempts",
		}),
		pendingApprovals: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "approvals",
			Name:      "pending",
			Help:      "Approvals awaiting an operator decision",
		}),
		routed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Channel messages dispatched by kind",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dropped_total",
			Help:      "Channel messages dropped by reason",
		}, []string{"reason"}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetches_total",
			Help:      "Pull fetches by entity class and outcome",
		}, []string{"class", "outcome"}),
		pollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetch_duration_seconds",
			Help:      "Pull fetch latency in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"class"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approvals",
			Name:      "actions_total",
			Help:      "Operator approval actions by action and outcome",
		}, []string{"action", "outcome"}),
		auditEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Audit entries appended by action",
		}, []string{"action"}),
	}
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ConnectionChanged records a channel state change.
func (m *Metrics) ConnectionChanged(s ctl.ConnectionState) {
	m.connStatus.Set(statusValues[s.Status])
	m.reconnectAttempts.Set(float64(s.ReconnectAttempt))
}

// PendingChanged records the pending approval count.
func (m *Metrics) PendingChanged(n int) {
	m.pendingApprovals.Set(float64(n))
}

// Routed counts one dispatched message.
func (m *Metrics) Routed(kind ctl.Kind) {
	m.routed.WithLabelValues(string(kind)).Inc()
}

// Dropped counts one dropped message.
func (m *Metrics) Dropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// Polled records one fetch of an entity class.
func (m *Metrics) Polled(class string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.polls.WithLabelValues(class, outcome).Inc()
	m.pollDuration.WithLabelValues(class).Observe(took.Seconds())
}

// Action records one approve or reject attempt.
func (m *Metrics) Action(action, outcome string) {
	m.actions.WithLabelValues(action, outcome).Inc()
}

// Audited counts one appended audit entry.
func (m *Metrics) Audited(e ctl.AuditEntry) {
	m.auditEntries.WithLabelValues(e.Action).Inc()
}
