package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sbenjam1n/gatesync/internal/ctl"
)

// Execer is the subset of *pgxpool.Pool the Postgres sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink persists entries to the audit_entries table.
type PostgresSink struct {
	db Execer
}

// NewPostgresSink creates a sink writing through db.
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, e ctl.AuditEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_entries (id, recorded_at, approval_id, action, actor, from_state, to_state, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Timestamp, e.ApprovalID, e.Action, e.Actor, string(e.From), string(e.To), e.Details)
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
	}
	return nil
}
