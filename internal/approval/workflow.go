// Package approval implements the operator side of the approval gate:
// approving or rejecting AI-recommended configurations and keeping the
// store and audit trail consistent with what the backend accepted.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sbenjam1n/gatesync/internal/ctl"
	"github.com/sbenjam1n/gatesync/internal/store"
)

// DefaultRejectReason is recorded when the operator gives none.
const DefaultRejectReason = "No reason provided"

var (
	ErrActorRequired = errors.New("actor is required")
	ErrNotFound      = errors.New("approval not found")
	ErrNotPending    = errors.New("approval is not pending")
	ErrNoPending     = errors.New("no pending approvals")
)

// Actions is the backend endpoint pair the workflow drives.
type Actions interface {
	Approve(ctx context.Context, id, engineer, comment string) error
	Reject(ctx context.Context, id, engineer, reason string) error
}

// Observer is told the outcome of each action.
type Observer interface {
	Action(action, outcome string)
}

// Workflow runs operator actions against one store.
type Workflow struct {
	store    *store.Store
	backend  Actions
	observer Observer
	logger   *slog.Logger

	// mu serializes actions so two calls cannot both pass the pending
	// guard for the same record.
	mu sync.Mutex
}

// New creates a workflow. observer may be nil.
func New(s *store.Store, backend Actions, observer Observer, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		store:    s,
		backend:  backend,
		observer: observer,
		logger:   logger.With("component", "approval"),
	}
}

// Pending returns records awaiting a decision, oldest first.
func (w *Workflow) Pending() []ctl.ApprovalRecord {
	return w.store.Pending()
}

// Approve deploys approval id on behalf of actor.
func (w *Workflow) Approve(ctx context.Context, id, actor, comment string) (ctl.ApprovalRecord, error) {
	return w.act(ctx, "approve", id, actor, strings.TrimSpace(comment))
}

// Reject rejects approval id on behalf of actor. An empty reason is
// recorded as DefaultRejectReason.
func (w *Workflow) Reject(ctx context.Context, id, actor, reason string) (ctl.ApprovalRecord, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRejectReason
	}
	return w.act(ctx, "reject", id, actor, reason)
}

// ApproveNext approves the oldest pending record.
func (w *Workflow) ApproveNext(ctx context.Context, actor, comment string) (ctl.ApprovalRecord, error) {
	rec, ok := w.store.OldestPending()
	if !ok {
		return ctl.ApprovalRecord{}, ErrNoPending
	}
	return w.Approve(ctx, rec.ID, actor, comment)
}

// RejectNext rejects the oldest pending record.
func (w *Workflow) RejectNext(ctx context.Context, actor, reason string) (ctl.ApprovalRecord, error) {
	rec, ok := w.store.OldestPending()
	if !ok {
		return ctl.ApprovalRecord{}, ErrNoPending
	}
	return w.Reject(ctx, rec.ID, actor, reason)
}

func (w *Workflow) act(ctx context.Context, action, id, actor, details string) (ctl.ApprovalRecord, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		w.observe(action, "refused")
		return ctl.ApprovalRecord{}, ErrActorRequired
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cur, ok := w.store.Approval(id)
	if !ok {
		w.observe(action, "refused")
		return ctl.ApprovalRecord{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !cur.State.Pending() {
		w.observe(action, "refused")
		return cur, fmt.Errorf("%w: %q is %s", ErrNotPending, id, cur.State)
	}

	to := ctl.StateDeployed
	call := w.backend.Approve
	if action == "reject" {
		to = ctl.StateRejected
		call = w.backend.Reject
	}
	end := w.store.BeginLocalTransition(id, to, actor, details)
	defer end()
	if err := call(ctx, id, actor, details); err != nil {
		w.observe(action, "error")
		w.logger.Warn("approval action failed", "action", action, "id", id, "actor", actor, "error", err)
		return cur, fmt.Errorf("%s %q: %w", action, id, err)
	}

	rec, ok := w.store.ApplyLocalTransition(ctx, id, to, actor, details)
	if !ok {
		// Moved elsewhere while the request was in flight; the next pull
		// reconciles.
		w.observe(action, "superseded")
		w.logger.Warn("approval resolved during action", "action", action, "id", id, "state", rec.State)
		return rec, fmt.Errorf("%w: %q changed to %s during %s", ErrNotPending, id, rec.State, action)
	}
	w.observe(action, "ok")
	w.logger.Info("approval action applied", "action", action, "id", id, "actor", actor, "state", rec.State)
	return rec, nil
}

func (w *Workflow) observe(action, outcome string) {
	if w.observer != nil {
		w.observer.Action(action, outcome)
	}
}
