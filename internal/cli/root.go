package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sbenjam1n/gatesync/internal/config"
	"github.com/sbenjam1n/gatesync/internal/db"
	"github.com/sbenjam1n/gatesync/internal/queue"
	"github.com/sbenjam1n/gatesync/internal/session"
	"github.com/spf13/cobra"
)

var (
	cfg      *config.Config
	logger   *slog.Logger
	logLevel string
	logJSON  bool

	rootCmd = &cobra.Command{
		Use:   "gate",
		Short: "gate: live sync and approval gating for AI-driven network configuration",
		Long: `gate keeps a live view of an AI network controller by merging its push
channel with periodic REST pulls, and lets an operator approve or reject
the configurations the AI recommends before they are deployed.

Watch the live feed:
  gate watch

Act on the oldest pending recommendation:
  gate approve --next --actor alice --comment "looks safe"
  gate reject --next --actor alice --reason "too aggressive"

Every approval state change is written to the audit trail.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from GATE_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(auditCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger = newLogger(os.Stderr, logLevel, logJSON)
	slog.SetDefault(logger)
}

func newLogger(w io.Writer, level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newSession(ctx context.Context, opts session.Options) (*session.Session, error) {
	opts.Logger = logger
	return session.New(ctx, cfg, opts)
}

func connectDB(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no database configured\nSet GATE_DATABASE_URL environment variable")
	}
	return db.Connect(ctx, cfg.DatabaseURL)
}

func connectRedis() (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("no redis configured\nSet GATE_REDIS_URL environment variable")
	}
	return queue.ConnectRedis(cfg.RedisURL)
}
