// Package audit keeps the append-only record of approval state
// transitions and fans each entry out to durable sinks.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sbenjam1n/gatesync/internal/ctl"
)

// DefaultCapacity bounds the in-memory trail. Durable sinks hold the
// complete history.
const DefaultCapacity = 10000

// SinkTimeout bounds a single sink write.
const SinkTimeout = 5 * time.Second

// transitionSpace namespaces the name-based IDs from TransitionID.
var transitionSpace = uuid.MustParse("6f1c2b9e-4d0a-4e7f-9a35-2c8d1e0b7a64")

// TransitionID derives a stable entry ID for a state change observed from
// the backend. Every client that sees the same record reach the same
// state at the same backend timestamp derives the same ID, so durable
// sinks can drop the repeats.
func TransitionID(approvalID string, to ctl.ApprovalState, at time.Time) string {
	name := approvalID + "|" + string(to) + "|" + at.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(transitionSpace, []byte(name)).String()
}

// Sink receives every appended entry.
type Sink interface {
	Write(ctx context.Context, e ctl.AuditEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e ctl.AuditEntry) error

func (f SinkFunc) Write(ctx context.Context, e ctl.AuditEntry) error { return f(ctx, e) }

// Trail is the in-memory audit log. It is safe for concurrent use.
type Trail struct {
	mu       sync.Mutex
	entries  []ctl.AuditEntry
	capacity int
	dropped  int
	sinks    []Sink
	clock    func() time.Time
	logger   *slog.Logger
}

// NewTrail creates a trail holding at most capacity entries in memory.
func NewTrail(capacity int, logger *slog.Logger, sinks ...Sink) *Trail {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{
		capacity: capacity,
		sinks:    sinks,
		clock:    time.Now,
		logger:   logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// AddSink registers another sink for subsequent entries.
func (t *Trail) AddSink(s Sink) {
	t.mu.Lock()
	t.sinks = append(t.sinks, s)
	t.mu.Unlock()
}

// Append records e, assigning an ID and timestamp when missing, and
// writes it to every sink. Sink failures are logged; the in-memory entry
// stands regardless.
func (t *Trail) Append(ctx context.Context, e ctl.AuditEntry) ctl.AuditEntry {
	t.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.clock()
	}
	t.entries = append(t.entries, e)
	if len(t.entries) > t.capacity {
		over := len(t.entries) - t.capacity
		t.entries = append(t.entries[:0:0], t.entries[over:]...)
		t.dropped += over
	}
	sinks := append([]Sink(nil), t.sinks...)
	t.mu.Unlock()

	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, SinkTimeout)
		if err := s.Write(sctx, e); err != nil {
			t.logger.Error("audit sink write failed",
				"approval_id", e.ApprovalID, "action", e.Action, "error", err)
		}
		cancel()
	}
	return e
}

// Entries returns the retained entries in chronological order.
func (t *Trail) Entries() []ctl.AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ctl.AuditEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// For returns the retained entries for one approval.
func (t *Trail) For(approvalID string) []ctl.AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ctl.AuditEntry
	for _, e := range t.entries {
		if e.ApprovalID == approvalID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Dropped returns how many entries aged out of memory.
func (t *Trail) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// WriterSink writes entries as JSON lines.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(_ context.Context, e ctl.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}
