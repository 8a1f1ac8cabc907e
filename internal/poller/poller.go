// Package poller runs the periodic pull loops that reconcile the store
// with the backend's REST snapshots. Polling runs whether or not the push
// channel is up.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sbenjam1n/gatesync/internal/ctl"
	"github.com/sbenjam1n/gatesync/internal/store"
	"golang.org/x/sync/errgroup"
)

// Entity classes, one loop each.
const (
	ClassApprovals = "approvals"
	ClassHistory   = "history"
	ClassDecisions = "decisions"
	ClassTelemetry = "telemetry"
)

// Source is the pull side of the backend.
type Source interface {
	PendingApprovals(ctx context.Context) ([]ctl.ApprovalRecord, error)
	Approvals(ctx context.Context) ([]ctl.ApprovalRecord, error)
	Decisions(ctx context.Context) ([]ctl.DecisionRecord, error)
	Telemetry(ctx context.Context) ([]ctl.NodeTelemetry, error)
	LastAction(ctx context.Context) (ctl.LastAction, error)
}

// Observer is told the outcome of every fetch.
type Observer interface {
	Polled(class string, took time.Duration, err error)
}

// Intervals sets the period of each loop. Zero disables a loop.
type Intervals struct {
	Approvals time.Duration
	History   time.Duration
	Decisions time.Duration
	Telemetry time.Duration
}

// DefaultIntervals returns the standard polling periods.
func DefaultIntervals() Intervals {
	return Intervals{
		Approvals: 2 * time.Second,
		History:   5 * time.Second,
		Decisions: 3 * time.Second,
		Telemetry: time.Second,
	}
}

// Poller owns the pull loops.
type Poller struct {
	src       Source
	store     *store.Store
	intervals Intervals
	observer  Observer
	logger    *slog.Logger
}

// New creates a poller. observer may be nil.
func New(src Source, s *store.Store, intervals Intervals, observer Observer, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		src:       src,
		store:     s,
		intervals: intervals,
		observer:  observer,
		logger:    logger.With("component", "poller"),
	}
}

// Run starts one loop per enabled class and blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range []struct {
		class string
		every time.Duration
	}{
		{ClassApprovals, p.intervals.Approvals},
		{ClassHistory, p.intervals.History},
		{ClassDecisions, p.intervals.Decisions},
		{ClassTelemetry, p.intervals.Telemetry},
	} {
		c := c
		if c.every <= 0 {
			p.logger.Debug("poll loop disabled", "class", c.class)
			continue
		}
		g.Go(func() error {
			p.loop(ctx, c.class, c.every)
			return nil
		})
	}
	p.logger.Info("pollers started")
	err := g.Wait()
	p.logger.Info("pollers stopped")
	return err
}

func (p *Poller) loop(ctx context.Context, class string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		_ = p.Fetch(ctx, class)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Fetch pulls one entity class and merges it into the store. Failures
// are logged and reported to the observer; the store is left untouched.
func (p *Poller) Fetch(ctx context.Context, class string) error {
	start := time.Now()
	err := p.fetch(ctx, class)
	if ctx.Err() != nil {
		return err
	}
	if p.observer != nil {
		p.observer.Polled(class, time.Since(start), err)
	}
	if err != nil {
		p.logger.Warn("poll failed", "class", class, "error", err)
	}
	return err
}

func (p *Poller) fetch(ctx context.Context, class string) error {
	switch class {
	case ClassApprovals:
		recs, err := p.src.PendingApprovals(ctx)
		if err != nil {
			return fmt.Errorf("fetch pending approvals: %w", err)
		}
		p.store.MergeApprovals(ctx, recs)
	case ClassHistory:
		recs, err := p.src.Approvals(ctx)
		if err != nil {
			return fmt.Errorf("fetch approval history: %w", err)
		}
		p.store.MergeApprovals(ctx, recs)
	case ClassDecisions:
		ds, err := p.src.Decisions(ctx)
		if err != nil {
			return fmt.Errorf("fetch decisions: %w", err)
		}
		p.store.MergeDecisions(ds)
	case ClassTelemetry:
		var errs []error
		if nodes, err := p.src.Telemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fetch telemetry: %w", err))
		} else {
			p.store.SetTelemetry(nodes)
		}
		if la, err := p.src.LastAction(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fetch last action: %w", err))
		} else if la.Action != "" {
			p.store.SetLastAction(la)
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("unknown poll class %q", class)
	}
	return nil
}
