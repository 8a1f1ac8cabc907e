// Package store holds the latest known view of every tracked entity and
// merges push updates with pull snapshots.
//
// Keyed collections (decisions by decision_id, approvals by id) never hold
// two entries with the same key. A push update for an unseen key goes to
// the front; for a seen key it replaces the entry where it stands. A pull
// snapshot only fills in absent keys, in timestamp order, and never
// regresses a stored record. Scalar telemetry is last-arrival-wins.
//
// The store is the single writer of these collections. Every approval
// state change it applies is written to the audit trail.
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sbenjam1n/gatesync/internal/audit"
	"github.com/sbenjam1n/gatesync/internal/buffer"
	"github.com/sbenjam1n/gatesync/internal/ctl"
)

// Caps bounds each recent-activity list.
type Caps struct {
	Decisions   int
	Approvals   int
	Patterns    int
	Deployments int
	Alerts      int
	Events      int
}

// DefaultCaps returns the caps used when none are configured.
func DefaultCaps() Caps {
	return Caps{
		Decisions:   50,
		Approvals:   50,
		Patterns:    20,
		Deployments: 15,
		Alerts:      20,
		Events:      10,
	}
}

// settledFactor sizes the memory of resolved approval ids relative to
// the approval buffer.
const settledFactor = 10

type settledState struct {
	id        string
	state     ctl.ApprovalState
	emergency bool
}

// localAction is an operator action whose backend call is in flight.
type localAction struct {
	to      ctl.ApprovalState
	actor   string
	details string
}

// BackendActor is recorded for remote transitions with no named engineer.
const BackendActor = "backend"

// Store is the reconciliation store. It is safe for concurrent use.
type Store struct {
	mu sync.Mutex
	// emitMu is taken before mu is released so audit entries reach the
	// trail in the order their transitions were applied. Sinks must not
	// call back into the store.
	emitMu sync.Mutex

	decisions   *buffer.Keyed[ctl.DecisionRecord]
	approvals   *buffer.Keyed[ctl.ApprovalRecord]
	settled     *buffer.Keyed[settledState]
	patterns    *buffer.Log[ctl.PatternChange]
	deployments *buffer.Log[ctl.Deployment]
	alerts      *buffer.Log[ctl.Alert]
	hurdles     *buffer.Log[ctl.Event]
	scenarios   *buffer.Log[ctl.Event]

	inflight map[string]*localAction

	telemetry  map[string]ctl.NodeTelemetry
	lastAction *ctl.LastAction
	kpis       *ctl.KPISnapshot
	conn       ctl.ConnectionState

	trail     *audit.Trail
	clock     func() time.Time
	logger    *slog.Logger
	onPending func(n int)
}

// New creates a store writing approval transitions to trail.
func New(caps Caps, trail *audit.Trail, logger *slog.Logger) *Store {
	def := DefaultCaps()
	if caps.Decisions <= 0 {
		caps.Decisions = def.Decisions
	}
	if caps.Approvals <= 0 {
		caps.Approvals = def.Approvals
	}
	if caps.Patterns <= 0 {
		caps.Patterns = def.Patterns
	}
	if caps.Deployments <= 0 {
		caps.Deployments = def.Deployments
	}
	if caps.Alerts <= 0 {
		caps.Alerts = def.Alerts
	}
	if caps.Events <= 0 {
		caps.Events = def.Events
	}
	if logger == nil {
		logger = slog.Default()
	}
	if trail == nil {
		trail = audit.NewTrail(audit.DefaultCapacity, logger)
	}

	return &Store{
		decisions: buffer.NewKeyed(caps.Decisions, func(d ctl.DecisionRecord) string { return d.DecisionID }),
		// Records awaiting an operator are never evicted.
		approvals: buffer.NewKeyed(caps.Approvals, func(a ctl.ApprovalRecord) string { return a.ID }).
			WithEvictable(func(a ctl.ApprovalRecord) bool { return !a.State.Pending() }),
		settled:     buffer.NewKeyed(caps.Approvals*settledFactor, func(r settledState) string { return r.id }),
		patterns:    buffer.NewLog[ctl.PatternChange](caps.Patterns),
		deployments: buffer.NewLog[ctl.Deployment](caps.Deployments),
		alerts:      buffer.NewLog[ctl.Alert](caps.Alerts),
		hurdles:     buffer.NewLog[ctl.Event](caps.Events),
		scenarios:   buffer.NewLog[ctl.Event](caps.Events),
		inflight:    make(map[string]*localAction),
		telemetry:   make(map[string]ctl.NodeTelemetry),
		conn:        ctl.ConnectionState{Status: ctl.StatusClosed},
		trail:       trail,
		clock:       time.Now,
		logger:      logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// OnPendingChange registers fn to receive the pending approval count
// after every approval mutation.
func (s *Store) OnPendingChange(fn func(n int)) {
	s.mu.Lock()
	s.onPending = fn
	s.mu.Unlock()
}

// Trail returns the audit trail the store writes to.
func (s *Store) Trail() *audit.Trail { return s.trail }

// Mutation is a named store operation produced by the router.
type Mutation func(ctx context.Context, s *Store)

// Apply runs m against the store.
func (s *Store) Apply(ctx context.Context, m Mutation) {
	if m != nil {
		m(ctx, s)
	}
}

// --- Decisions ---

// AppendDecision merges one pushed decision. It reports whether the
// record was applied.
func (s *Store) AppendDecision(d ctl.DecisionRecord) bool {
	if d.DecisionID == "" {
		s.logger.Warn("dropping decision without decision_id", "intent", d.Intent)
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.decisions.Get(d.DecisionID); ok {
		if d.Timestamp.Before(cur.Timestamp) {
			return false
		}
		s.decisions.Replace(d)
		return true
	}
	s.decisions.Upsert(d)
	s.notePatternLocked(d)
	return true
}

// MergeDecisions merges a pulled decision trace snapshot.
func (s *Store) MergeDecisions(snapshot []ctl.DecisionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range snapshot {
		if d.DecisionID == "" {
			continue
		}
		if cur, ok := s.decisions.Get(d.DecisionID); ok {
			if !d.Timestamp.Before(cur.Timestamp) {
				s.decisions.Replace(d)
			}
			continue
		}
		ts := d.Timestamp
		s.decisions.InsertBefore(d, func(e ctl.DecisionRecord) bool { return e.Timestamp.Before(ts) })
		s.notePatternLocked(d)
	}
}

func (s *Store) notePatternLocked(d ctl.DecisionRecord) {
	if d.PatternChange == nil || s.decisions.Index(d.DecisionID) < 0 {
		return
	}
	pc := *d.PatternChange
	if pc.Timestamp.IsZero() {
		pc.Timestamp = d.Timestamp
	}
	s.patterns.Add(pc)
}

// Decisions returns the decision trace, newest first.
func (s *Store) Decisions() []ctl.DecisionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisions.Items()
}

// --- Approvals ---

// UpsertApproval merges one pushed approval record.
func (s *Store) UpsertApproval(ctx context.Context, rec ctl.ApprovalRecord) bool {
	s.mu.Lock()
	applied, entries := s.mergeApprovalLocked(rec, false)
	s.unlockAndEmit(ctx, entries)
	return applied
}

// MergeApprovals merges a pulled approval snapshot.
func (s *Store) MergeApprovals(ctx context.Context, snapshot []ctl.ApprovalRecord) {
	s.mu.Lock()
	var entries []ctl.AuditEntry
	for _, rec := range snapshot {
		_, e := s.mergeApprovalLocked(rec, true)
		entries = append(entries, e...)
	}
	s.unlockAndEmit(ctx, entries)
}

func (s *Store) mergeApprovalLocked(in ctl.ApprovalRecord, snapshot bool) (bool, []ctl.AuditEntry) {
	if in.ID == "" || !in.State.Valid() {
		s.logger.Warn("dropping invalid approval record", "id", in.ID, "state", in.State)
		return false, nil
	}
	in.Provisional = false

	cur, ok := s.approvals.Get(in.ID)
	if !ok {
		if settled, seen := s.settled.Get(in.ID); seen && in.State.Rank() <= settled.state.Rank() {
			return false, nil
		}
		if snapshot {
			created := in.CreatedAt
			s.approvals.InsertBefore(in, func(e ctl.ApprovalRecord) bool { return e.CreatedAt.Before(created) })
		} else {
			s.approvals.Upsert(in)
		}
		s.settleLocked(in)
		if s.approvals.Index(in.ID) < 0 {
			return false, nil
		}
		if in.State == ctl.StateEmergencyOverride {
			return true, []ctl.AuditEntry{s.remoteTransitionLocked(in, "", ctl.ActionEmergency, ctl.SystemActor, "")}
		}
		return true, nil
	}

	if !s.supersedesLocked(cur, in) {
		s.logger.Debug("ignoring stale approval record",
			"id", in.ID, "stored_state", cur.State, "incoming_state", in.State)
		return false, nil
	}
	local := s.claimLocked(cur, in)
	switch {
	case in.State == cur.State:
		if in.ApprovedBy == "" {
			in.ApprovedBy = cur.ApprovedBy
		}
		if in.EngineerComment == "" {
			in.EngineerComment = cur.EngineerComment
		}
	case local != nil:
		if in.ApprovedBy == "" && in.State == ctl.StateDeployed {
			in.ApprovedBy = local.actor
		}
		if in.EngineerComment == "" {
			in.EngineerComment = local.details
		}
	}
	s.approvals.Replace(in)
	s.settleLocked(in)

	switch {
	case in.State == cur.State:
		return true, nil
	case in.State == ctl.StateEmergencyOverride:
		return true, []ctl.AuditEntry{s.remoteTransitionLocked(in, cur.State, ctl.ActionEmergency, ctl.SystemActor, "")}
	case local != nil:
		return true, []ctl.AuditEntry{s.transitionLocked(in, cur.State, localActionName(in.State), local.actor, local.details)}
	}
	actor := in.ApprovedBy
	if actor == "" {
		actor = BackendActor
	}
	return true, []ctl.AuditEntry{s.remoteTransitionLocked(in, cur.State, ctl.ActionObserved+string(in.State), actor, in.EngineerComment)}
}

// claimLocked returns the in-flight operator action that in confirms, if
// any. The backend's copy of the transition is then recorded as the
// operator's action rather than as an observed change.
func (s *Store) claimLocked(cur, in ctl.ApprovalRecord) *localAction {
	la, ok := s.inflight[in.ID]
	if !ok || in.State == cur.State || in.State != la.to {
		return nil
	}
	if in.ApprovedBy != "" && in.ApprovedBy != la.actor {
		return nil
	}
	return la
}

// settleLocked remembers records that left the pending states so a stale
// copy cannot come back after the record is evicted.
func (s *Store) settleLocked(rec ctl.ApprovalRecord) {
	if rec.State.Pending() {
		return
	}
	prev, _ := s.settled.Get(rec.ID)
	s.settled.Upsert(settledState{
		id:        rec.ID,
		state:     rec.State,
		emergency: prev.emergency || rec.State == ctl.StateEmergencyOverride,
	})
}

// supersedesLocked reports whether in may replace cur. A record never
// moves backwards in time. Emergency bypass applies from any other state
// unless the record has already been through emergency and left it;
// otherwise a record never moves backwards in the lifecycle.
func (s *Store) supersedesLocked(cur, in ctl.ApprovalRecord) bool {
	if in.UpdatedAt != nil && cur.UpdatedAt != nil && in.UpdatedAt.Before(*cur.UpdatedAt) {
		return false
	}
	if in.State == ctl.StateEmergencyOverride && cur.State != ctl.StateEmergencyOverride {
		prev, _ := s.settled.Get(in.ID)
		return !prev.emergency
	}
	return in.State.Rank() >= cur.State.Rank()
}

// BeginLocalTransition registers an operator action about to be sent to
// the backend. Until the returned func is called, a backend copy of the
// record reaching the target state is recorded as that action.
func (s *Store) BeginLocalTransition(id string, to ctl.ApprovalState, actor, details string) (end func()) {
	la := &localAction{to: to, actor: actor, details: details}
	s.mu.Lock()
	s.inflight[id] = la
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.inflight[id] == la {
			delete(s.inflight, id)
		}
		s.mu.Unlock()
	}
}

// ApplyLocalTransition records an operator action the backend accepted.
// The record is marked provisional until a later push or pull confirms it.
// A record the backend already moved to the target state is returned as
// is. It reports false, changing nothing, when the record is gone or sits
// in any other non-pending state.
func (s *Store) ApplyLocalTransition(ctx context.Context, id string, to ctl.ApprovalState, actor, details string) (ctl.ApprovalRecord, bool) {
	s.mu.Lock()
	cur, ok := s.approvals.Get(id)
	if ok && cur.State == to {
		s.mu.Unlock()
		return cur, true
	}
	if !ok || !cur.State.Pending() {
		s.mu.Unlock()
		return cur, false
	}

	next := cur
	next.State = to
	next.Provisional = true
	if to == ctl.StateDeployed {
		next.ApprovedBy = actor
	}
	next.EngineerComment = details
	s.approvals.Replace(next)
	s.settleLocked(next)
	entry := s.transitionLocked(next, cur.State, localActionName(to), actor, details)
	s.unlockAndEmit(ctx, []ctl.AuditEntry{entry})
	return next, true
}

func localActionName(to ctl.ApprovalState) string {
	if to == ctl.StateDeployed {
		return ctl.ActionApproved
	}
	return ctl.ActionRejected
}

// DeclareEmergency moves records into emergency_override without human
// action. An empty ApprovalID applies to every pending record. It returns
// the records that transitioned.
func (s *Store) DeclareEmergency(ctx context.Context, notice ctl.EmergencyNotice) []ctl.ApprovalRecord {
	s.mu.Lock()
	var targets []ctl.ApprovalRecord
	if notice.ApprovalID != "" {
		if cur, ok := s.approvals.Get(notice.ApprovalID); ok {
			targets = append(targets, cur)
		} else {
			s.logger.Warn("emergency override for unknown approval", "id", notice.ApprovalID)
		}
	} else {
		for _, a := range s.approvals.Items() {
			if a.State.Pending() {
				targets = append(targets, a)
			}
		}
	}

	var moved []ctl.ApprovalRecord
	var entries []ctl.AuditEntry
	for _, cur := range targets {
		if cur.State == ctl.StateEmergencyOverride {
			continue
		}
		next := cur
		next.State = ctl.StateEmergencyOverride
		next.Provisional = false
		s.approvals.Replace(next)
		s.settleLocked(next)
		entries = append(entries, s.remoteTransitionLocked(next, cur.State, ctl.ActionEmergency, ctl.SystemActor, notice.Reason))
		moved = append(moved, next)
	}
	s.unlockAndEmit(ctx, entries)
	return moved
}

// transitionLocked builds the audit entry for a state change and records
// deployments.
func (s *Store) transitionLocked(rec ctl.ApprovalRecord, from ctl.ApprovalState, action, actor, details string) ctl.AuditEntry {
	now := s.clock()
	if rec.State == ctl.StateDeployed || rec.State == ctl.StateEmergencyOverride {
		s.deployments.Add(ctl.Deployment{
			ApprovalID: rec.ID,
			Timestamp:  now,
			State:      rec.State,
			Actor:      actor,
			Summary:    rec.HumanReadableSummary,
		})
	}
	return ctl.AuditEntry{
		Timestamp:  now,
		ApprovalID: rec.ID,
		Action:     action,
		Actor:      actor,
		From:       from,
		To:         rec.State,
		Details:    details,
	}
}

// remoteTransitionLocked is transitionLocked for changes the backend made.
// The entry ID is derived from the record so every client that sees the
// change writes the same ID.
func (s *Store) remoteTransitionLocked(rec ctl.ApprovalRecord, from ctl.ApprovalState, action, actor, details string) ctl.AuditEntry {
	e := s.transitionLocked(rec, from, action, actor, details)
	changed := rec.CreatedAt
	if rec.UpdatedAt != nil {
		changed = *rec.UpdatedAt
	}
	e.ID = audit.TransitionID(rec.ID, rec.State, changed)
	return e
}

func (s *Store) pendingLocked() (int, func(int)) {
	if s.onPending == nil {
		return 0, nil
	}
	n := 0
	for _, a := range s.approvals.Items() {
		if a.State.Pending() {
			n++
		}
	}
	return n, s.onPending
}

// unlockAndEmit releases mu and writes entries to the trail, then reports
// the pending count. The caller must hold mu.
func (s *Store) unlockAndEmit(ctx context.Context, entries []ctl.AuditEntry) {
	pending, fn := s.pendingLocked()
	s.emitMu.Lock()
	s.mu.Unlock()
	for _, e := range entries {
		s.trail.Append(ctx, e)
	}
	s.emitMu.Unlock()
	if fn != nil {
		fn(pending)
	}
}

// Approvals returns every tracked approval, most recently inserted first.
func (s *Store) Approvals() []ctl.ApprovalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvals.Items()
}

// Approval returns one approval by id.
func (s *Store) Approval(id string) (ctl.ApprovalRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvals.Get(id)
}

// Pending returns records awaiting an operator, oldest first.
func (s *Store) Pending() []ctl.ApprovalRecord {
	s.mu.Lock()
	items := s.approvals.Items()
	s.mu.Unlock()

	var out []ctl.ApprovalRecord
	// Items are newest first; walk backwards so equal created_at keeps
	// arrival order.
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].State.Pending() {
			out = append(out, items[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OldestPending returns the record the operator acts on next.
func (s *Store) OldestPending() (ctl.ApprovalRecord, bool) {
	p := s.Pending()
	if len(p) == 0 {
		return ctl.ApprovalRecord{}, false
	}
	return p[0], true
}

// Deployments returns the deployment log, newest first.
func (s *Store) Deployments() []ctl.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deployments.Items()
}

// Audit returns the retained audit trail in chronological order.
func (s *Store) Audit() []ctl.AuditEntry {
	return s.trail.Entries()
}
