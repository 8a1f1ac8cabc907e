// Package router classifies push channel frames by kind and turns each
// into a store mutation.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sbenjam1n/gatesync/internal/ctl"
	"github.com/sbenjam1n/gatesync/internal/store"
)

// ErrMalformed marks a frame or payload that could not be decoded.
var ErrMalformed = errors.New("malformed message")

// Handler decodes a payload into a store mutation. It must not touch the
// store itself.
type Handler func(msg ctl.ChannelMessage) (store.Mutation, error)

// Observer is notified of routing outcomes.
type Observer interface {
	Routed(kind ctl.Kind)
	Dropped(reason string)
}

// Router dispatches frames from one connection in arrival order.
type Router struct {
	store    *store.Store
	table    map[ctl.Kind]Handler
	observer Observer
	logger   *slog.Logger
}

// New creates a router applying mutations to s.
func New(s *store.Store, observer Observer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    s,
		table:    dispatchTable(),
		observer: observer,
		logger:   logger,
	}
}

// Kinds returns the kinds the router handles.
func (r *Router) Kinds() []ctl.Kind {
	out := make([]ctl.Kind, 0, len(r.table))
	for k := range r.table {
		out = append(out, k)
	}
	return out
}

// HandleFrame decodes a raw frame and routes it. Malformed frames are
// logged and dropped. It satisfies channel.FrameHandler.
func (r *Router) HandleFrame(ctx context.Context, data []byte) {
	msg, err := Parse(data)
	if err != nil {
		r.drop("parse", err, "bytes", len(data))
		return
	}
	r.Route(ctx, msg)
}

// Route applies msg to the store. Unknown kinds are ignored.
func (r *Router) Route(ctx context.Context, msg ctl.ChannelMessage) {
	h, ok := r.table[msg.Kind]
	if !ok {
		r.logger.Debug("ignoring unknown message kind", "kind", msg.Kind)
		if r.observer != nil {
			r.observer.Dropped("unknown_kind")
		}
		return
	}
	m, err := h(msg)
	if err != nil {
		r.drop("payload", err, "kind", msg.Kind)
		return
	}
	r.store.Apply(ctx, m)
	r.logger.Debug("routed message", "kind", msg.Kind)
	if r.observer != nil {
		r.observer.Routed(msg.Kind)
	}
}

func (r *Router) drop(reason string, err error, args ...any) {
	r.logger.Warn("dropping malformed message", append([]any{"reason", reason, "error", err}, args...)...)
	if r.observer != nil {
		r.observer.Dropped(reason)
	}
}

// Parse decodes one frame.
func Parse(data []byte) (ctl.ChannelMessage, error) {
	var msg ctl.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Kind == "" {
		return msg, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return msg, nil
}

func dispatchTable() map[ctl.Kind]Handler {
	return map[ctl.Kind]Handler{
		ctl.KindConnected:         onConnected,
		ctl.KindStateUpdate:       onStateUpdate,
		ctl.KindAIDecision:        onDecision,
		ctl.KindAlert:             onAlert,
		ctl.KindKPIUpdate:         onKPIUpdate,
		ctl.KindHurdleResponse:    onEvent,
		ctl.KindScenarioEvent:     onEvent,
		ctl.KindApprovalUpdate:    onApprovalUpdate,
		ctl.KindEmergencyOverride: onEmergency,
	}
}

func decode(msg ctl.ChannelMessage, v any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformed, msg.Kind)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, msg.Kind, err)
	}
	return nil
}

// onConnected is the server greeting; there is nothing to store.
func onConnected(ctl.ChannelMessage) (store.Mutation, error) {
	return nil, nil
}

func onStateUpdate(msg ctl.ChannelMessage) (store.Mutation, error) {
	var u ctl.StateUpdate
	if err := decode(msg, &u); err != nil {
		return nil, err
	}
	return func(_ context.Context, s *store.Store) {
		if len(u.Nodes) > 0 {
			s.SetTelemetry(u.Nodes)
		}
		if u.LastAction != nil {
			s.SetLastAction(*u.LastAction)
		}
	}, nil
}

func onDecision(msg ctl.ChannelMessage) (store.Mutation, error) {
	var d ctl.DecisionRecord
	if err := decode(msg, &d); err != nil {
		return nil, err
	}
	if d.DecisionID == "" {
		return nil, fmt.Errorf("%w: decision without decision_id", ErrMalformed)
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = msg.Timestamp
	}
	return func(_ context.Context, s *store.Store) {
		s.AppendDecision(d)
	}, nil
}

func onAlert(msg ctl.ChannelMessage) (store.Mutation, error) {
	var a ctl.Alert
	if err := decode(msg, &a); err != nil {
		return nil, err
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = msg.Timestamp
	}
	return func(_ context.Context, s *store.Store) {
		s.AddAlert(a)
	}, nil
}

func onKPIUpdate(msg ctl.ChannelMessage) (store.Mutation, error) {
	var k ctl.KPISnapshot
	if err := decode(msg, &k.Values); err != nil {
		return nil, err
	}
	k.Timestamp = msg.Timestamp
	return func(_ context.Context, s *store.Store) {
		s.SetKPIs(k)
	}, nil
}

func onEvent(msg ctl.ChannelMessage) (store.Mutation, error) {
	if len(msg.Payload) == 0 || !json.Valid(msg.Payload) {
		return nil, fmt.Errorf("%w: %s payload", ErrMalformed, msg.Kind)
	}
	e := ctl.Event{Kind: msg.Kind, Timestamp: msg.Timestamp, Payload: msg.Payload}
	return func(_ context.Context, s *store.Store) {
		s.AddEvent(e)
	}, nil
}

func onApprovalUpdate(msg ctl.ChannelMessage) (store.Mutation, error) {
	var a ctl.ApprovalRecord
	if err := decode(msg, &a); err != nil {
		return nil, err
	}
	if a.ID == "" || !a.State.Valid() {
		return nil, fmt.Errorf("%w: approval id=%q state=%q", ErrMalformed, a.ID, a.State)
	}
	return func(ctx context.Context, s *store.Store) {
		s.UpsertApproval(ctx, a)
	}, nil
}

func onEmergency(msg ctl.ChannelMessage) (store.Mutation, error) {
	var n ctl.EmergencyNotice
	if len(msg.Payload) > 0 {
		if err := decode(msg, &n); err != nil {
			return nil, err
		}
	}
	return func(ctx context.Context, s *store.Store) {
		s.DeclareEmergency(ctx, n)
	}, nil
}
