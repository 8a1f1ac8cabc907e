// Package session wires the live sync client together: the push channel,
// the pull loops, the reconciliation store, the approval workflow and
// their audit sinks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sbenjam1n/gatesync/internal/api"
	"github.com/sbenjam1n/gatesync/internal/approval"
	"github.com/sbenjam1n/gatesync/internal/audit"
	"github.com/sbenjam1n/gatesync/internal/channel"
	"github.com/sbenjam1n/gatesync/internal/config"
	"github.com/sbenjam1n/gatesync/internal/ctl"
	"github.com/sbenjam1n/gatesync/internal/db"
	"github.com/sbenjam1n/gatesync/internal/metrics"
	"github.com/sbenjam1n/gatesync/internal/poller"
	"github.com/sbenjam1n/gatesync/internal/queue"
	"github.com/sbenjam1n/gatesync/internal/router"
	"github.com/sbenjam1n/gatesync/internal/store"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Options customizes a session beyond its configuration.
type Options struct {
	Logger *slog.Logger
	// Dialer replaces the WebSocket dialer.
	Dialer channel.Dialer
	// Sinks receive every audit entry in addition to the configured
	// Postgres and Redis sinks.
	Sinks []audit.Sink
	// OnState and OnPending observe connection and pending-count changes.
	OnState   func(ctl.ConnectionState)
	OnPending func(n int)
}

// Session is one running client.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *metrics.Metrics
	trail    *audit.Trail
	store    *store.Store
	router   *router.Router
	client   *api.Client
	channel  *channel.Manager
	poller   *poller.Poller
	workflow *approval.Workflow

	pool  *pgxpool.Pool
	redis *redis.Client

	retry chan struct{}
}

// New builds a session. Postgres and Redis sinks are attached when their
// URLs are configured; failure to reach either is an error.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{cfg: cfg, logger: logger, metrics: metrics.New(), retry: make(chan struct{}, 1)}

	s.trail = audit.NewTrail(cfg.AuditCap, logger, audit.SinkFunc(func(_ context.Context, e ctl.AuditEntry) error {
		s.metrics.Audited(e)
		return nil
	}))
	for _, sink := range opts.Sinks {
		s.trail.AddSink(sink)
	}
	if err := s.attachSinks(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.store = store.New(store.Caps{
		Decisions:   cfg.DecisionCap,
		Approvals:   cfg.ApprovalCap,
		Patterns:    cfg.PatternCap,
		Deployments: cfg.DeploymentCap,
		Alerts:      cfg.AlertCap,
		Events:      cfg.EventCap,
	}, s.trail, logger)
	s.store.OnPendingChange(func(n int) {
		s.metrics.PendingChanged(n)
		if opts.OnPending != nil {
			opts.OnPending(n)
		}
	})

	s.router = router.New(s.store, s.metrics, logger)

	client, err := api.New(cfg.APIURL,
		api.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		api.WithRateLimit(cfg.APIRate),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client = client

	dialer := opts.Dialer
	if dialer == nil {
		dialer = channel.NewWebsocketDialer(cfg.HTTPTimeout)
	}
	s.channel = channel.NewManager(channel.Options{
		URL:         cfg.ChannelURL,
		Dialer:      dialer,
		Handler:     s.router,
		MaxAttempts: cfg.MaxReconnectAttempts,
		Delay:       cfg.ReconnectDelay,
		Jitter:      cfg.ReconnectJitter,
		OnState: func(cs ctl.ConnectionState) {
			s.store.SetConnectionState(cs)
			s.metrics.ConnectionChanged(cs)
			if opts.OnState != nil {
				opts.OnState(cs)
			}
		},
		Logger: logger,
	})

	s.poller = poller.New(client, s.store, poller.Intervals{
		Approvals: cfg.PollApprovals,
		History:   cfg.PollHistory,
		Decisions: cfg.PollDecisions,
		Telemetry: cfg.PollTelemetry,
	}, s.metrics, logger)

	s.workflow = approval.New(s.store, client, s.metrics, logger)
	return s, nil
}

func (s *Session) attachSinks(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		s.pool = pool
		s.trail.AddSink(audit.NewPostgresSink(pool))
		s.logger.Info("audit sink attached", "sink", "postgres")
	}
	if s.cfg.RedisURL != "" {
		rdb, err := queue.ConnectRedis(s.cfg.RedisURL)
		if err != nil {
			return err
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		s.redis = rdb
		s.trail.AddSink(queue.New(rdb))
		s.logger.Info("audit sink attached", "sink", "redis", "stream", queue.StreamAudit)
	}
	return nil
}

// Run connects the push channel, starts the pull loops and, when
// configured, the metrics endpoint. It serves Reconnect requests and
// blocks until ctx is cancelled, then closes the channel cleanly.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	s.channel.Connect(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				s.channel.Close()
				return nil
			case <-s.retry:
				s.channel.Reconnect(ctx)
			}
		}
	})
	g.Go(func() error {
		return s.poller.Run(ctx)
	})

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.logger.Info("metrics listening", "addr", s.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	s.logger.Info("session started", "channel", s.cfg.ChannelURL, "api", s.cfg.APIURL)
	err := g.Wait()
	s.logger.Info("session stopped")
	return err
}

// Close releases the database and Redis connections.
func (s *Session) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Debug("close redis", "error", err)
		}
		s.redis = nil
	}
}

// Reconnect asks Run to restart the push channel with a fresh attempt
// budget. It does not block; requests made while one is queued collapse.
func (s *Session) Reconnect() {
	select {
	case s.retry <- struct{}{}:
	default:
	}
}

func (s *Session) Store() *store.Store { return s.store }
func (s *Session) Workflow() *approval.Workflow { return s.workflow }
func (s *Session) Client() *api.Client { return s.client }
func (s *Session) Poller() *poller.Poller { return s.poller }
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }
func (s *Session) Connection() ctl.ConnectionState {
	return s.channel.State()
}
