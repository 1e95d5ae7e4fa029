package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	Action   string
	MemberID string
	ServerID string
	RoleID   string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes engine mutations into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return nil
	}
	if log.Action == "" || log.MemberID == "" {
		return errors.New("audit log requires action/member_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO audit_logs (action, member_id, server_id, role_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		log.Action, log.MemberID, log.ServerID, log.RoleID, metaJSON, at)
	return err
}

// TrimBefore deletes entries older than the cutoff.
func (l *AuditLogger) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if l == nil || l.pool == nil {
		return 0, nil
	}
	tag, err := l.pool.Exec(ctx, `DELETE FROM audit_logs WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
