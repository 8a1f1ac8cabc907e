package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sbenjam1n/gatesync/internal/ctl"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Connect creates a connection pool to PostgreSQL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate runs the embedded SQL migration files in name order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
	}
	return nil
}

// ListAudit returns the most recent durable audit entries, newest first.
// An empty approvalID lists every approval.
func ListAudit(ctx context.Context, pool *pgxpool.Pool, approvalID string, limit int) ([]ctl.AuditEntry, error) {
	rows, err := pool.Query(ctx, `
		SELECT id::text, recorded_at, approval_id, action, actor, from_state, to_state, details
		FROM audit_entries
		WHERE $1::text = '' OR approval_id = $1::text
		ORDER BY recorded_at DESC
		LIMIT $2
	`, approvalID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []ctl.AuditEntry
	for rows.Next() {
		var e ctl.AuditEntry
		var at time.Time
		var from, to string
		if err := rows.Scan(&e.ID, &at, &e.ApprovalID, &e.Action, &e.Actor, &from, &to, &e.Details); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = at
		e.From = ctl.ApprovalState(from)
		e.To = ctl.ApprovalState(to)
		out = append(out, e)
	}
	return out, rows.Err()
}
