package personnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildgate/guildgate/internal/shared"
)

const uniqueViolation = "23505"

// Registry is the PostgreSQL-backed callsign registry.
type Registry struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(pool *pgxpool.Pool, logger *slog.Logger) *Registry {
	return &Registry{pool: pool, logger: logger}
}

// NotifyAccessRevoked deletes the member's callsign record, if any.
func (r *Registry) NotifyAccessRevoked(ctx context.Context, memberID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM callsigns WHERE member_id = $1`, memberID)
	if err != nil {
		return fmt.Errorf("personnel: retract callsign: %w", err)
	}
	if tag.RowsAffected() > 0 {
		r.logger.Info("callsign retracted", slog.String("member_id", memberID))
	}
	return nil
}

// IsIdentityTaken checks the folded value against existing records.
func (r *Registry) IsIdentityTaken(ctx context.Context, value, excludingMemberID string) (bool, error) {
	var taken bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM callsigns WHERE folded_value = $1 AND member_id <> $2)`,
		Fold(value), excludingMemberID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("personnel: identity lookup: %w", err)
	}
	return taken, nil
}

// PersistIdentity stores the callsign. The unique index on folded_value is
// the authoritative uniqueness check; IsIdentityTaken only pre-screens.
func (r *Registry) PersistIdentity(ctx context.Context, memberID, value string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO callsigns (member_id, value, folded_value, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (member_id) DO UPDATE SET value = EXCLUDED.value, folded_value = EXCLUDED.folded_value`,
		memberID, value, Fold(value), time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return shared.ErrConflict
		}
		return fmt.Errorf("personnel: persist callsign: %w", err)
	}
	return nil
}
