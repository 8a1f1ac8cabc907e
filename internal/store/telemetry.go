package store

import (
	"maps"
	"sort"

	"github.com/sbenjam1n/gatesync/internal/ctl"
)

// SetTelemetry records the latest metrics for each node. The most recent
// arrival wins regardless of source.
func (s *Store) SetTelemetry(nodes []ctl.NodeTelemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		if n.NodeID == "" {
			continue
		}
		n.Metrics = maps.Clone(n.Metrics)
		s.telemetry[n.NodeID] = n
	}
}

// Telemetry returns the latest telemetry per node, ordered by node id.
func (s *Store) Telemetry() []ctl.NodeTelemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ctl.NodeTelemetry, 0, len(s.telemetry))
	for _, n := range s.telemetry {
		n.Metrics = maps.Clone(n.Metrics)
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// NodeTelemetry returns the latest telemetry for one node.
func (s *Store) NodeTelemetry(id string) (ctl.NodeTelemetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.telemetry[id]
	n.Metrics = maps.Clone(n.Metrics)
	return n, ok
}

// SetLastAction replaces the last action.
func (s *Store) SetLastAction(a ctl.LastAction) {
	s.mu.Lock()
	s.lastAction = &a
	s.mu.Unlock()
}

// LastAction returns the last action, if any has arrived.
func (s *Store) LastAction() (ctl.LastAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastAction == nil {
		return ctl.LastAction{}, false
	}
	return *s.lastAction, true
}

// SetKPIs replaces the KPI snapshot.
func (s *Store) SetKPIs(k ctl.KPISnapshot) {
	k.Values = maps.Clone(k.Values)
	s.mu.Lock()
	s.kpis = &k
	s.mu.Unlock()
}

// KPIs returns the KPI snapshot, if any has arrived.
func (s *Store) KPIs() (ctl.KPISnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kpis == nil {
		return ctl.KPISnapshot{}, false
	}
	k := *s.kpis
	k.Values = maps.Clone(k.Values)
	return k, true
}

// AddAlert appends to the alert log.
func (s *Store) AddAlert(a ctl.Alert) {
	s.mu.Lock()
	s.alerts.Add(a)
	s.mu.Unlock()
}

// Alerts returns the alert log, newest first.
func (s *Store) Alerts() []ctl.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts.Items()
}

// AddPatternChange appends to the pattern change log.
func (s *Store) AddPatternChange(pc ctl.PatternChange) {
	s.mu.Lock()
	s.patterns.Add(pc)
	s.mu.Unlock()
}

// PatternChanges returns the pattern change log, newest first.
func (s *Store) PatternChanges() []ctl.PatternChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patterns.Items()
}

// AddEvent appends a hurdle response or scenario event to its log.
// Other kinds are ignored.
func (s *Store) AddEvent(e ctl.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case ctl.KindHurdleResponse:
		s.hurdles.Add(e)
	case ctl.KindScenarioEvent:
		s.scenarios.Add(e)
	}
}

// Events returns the log for kind, newest first.
func (s *Store) Events(kind ctl.Kind) []ctl.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case ctl.KindHurdleResponse:
		return s.hurdles.Items()
	case ctl.KindScenarioEvent:
		return s.scenarios.Items()
	}
	return nil
}

// SetConnectionState publishes the channel manager's state.
func (s *Store) SetConnectionState(cs ctl.ConnectionState) {
	s.mu.Lock()
	s.conn = cs
	s.mu.Unlock()
}

// Connection returns the last published connection state.
func (s *Store) Connection() ctl.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
