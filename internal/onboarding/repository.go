package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildgate/guildgate/internal/platform/db"
	"github.com/guildgate/guildgate/internal/shared"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
)

// Repository provides PostgreSQL backed persistence for pending grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the member's pending grant, or shared.ErrNotFound.
func (r *Repository) Get(ctx context.Context, memberID string) (PendingGrant, error) {
	return scanGrant(r.pool.QueryRow(ctx,
		`SELECT id, member_id, source_server_id, granted_role_ids, targets, COALESCE(identity_value, ''), created_at, updated_at
		 FROM pending_grants WHERE member_id = $1`, memberID))
}

// UpsertMerge inserts the grant or merges it into an existing record for
// the same member. The row lock makes concurrent merges lose nothing.
// Returns the resulting record and whether a new flow was created.
//
// Two racing first-inserts both see no row to lock; the loser's insert
// aborts on the primary key or the snapshot. One retry then takes the
// merge branch against the winner's row.
func (r *Repository) UpsertMerge(ctx context.Context, grant PendingGrant) (PendingGrant, bool, error) {
	out, created, err := r.upsertMerge(ctx, grant)
	if err != nil && retryableUpsert(err) {
		out, created, err = r.upsertMerge(ctx, grant)
	}
	if err != nil {
		return PendingGrant{}, false, fmt.Errorf("onboarding: upsert grant: %w", err)
	}
	return out, created, nil
}

func retryableUpsert(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation || pgErr.Code == serializationFailure
}

func (r *Repository) upsertMerge(ctx context.Context, grant PendingGrant) (PendingGrant, bool, error) {
	var out PendingGrant
	created := false
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		existing, err := scanGrant(tx.QueryRow(ctx,
			`SELECT id, member_id, source_server_id, granted_role_ids, targets, COALESCE(identity_value, ''), created_at, updated_at
			 FROM pending_grants WHERE member_id = $1 FOR UPDATE`, grant.MemberID))
		switch {
		case errors.Is(err, shared.ErrNotFound):
			created = true
			out = grant
			if out.ID == uuid.Nil {
				out.ID = uuid.New()
			}
			now := time.Now().UTC()
			out.CreatedAt = now
			out.UpdatedAt = now
		case err != nil:
			return err
		default:
			out = existing
			out.GrantedRoleIDs = mergeRoleIDs(existing.GrantedRoleIDs, grant.GrantedRoleIDs)
			out.Targets, _ = mergeTargets(existing.Targets, grant.Targets)
			out.UpdatedAt = time.Now().UTC()
		}

		roleJSON, err := json.Marshal(out.GrantedRoleIDs)
		if err != nil {
			return fmt.Errorf("onboarding: encode roles: %w", err)
		}
		targetJSON, err := json.Marshal(out.Targets)
		if err != nil {
			return fmt.Errorf("onboarding: encode targets: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO pending_grants (id, member_id, source_server_id, granted_role_ids, targets, identity_value, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
			 ON CONFLICT (member_id) DO UPDATE SET
				granted_role_ids = EXCLUDED.granted_role_ids,
				targets = EXCLUDED.targets,
				updated_at = EXCLUDED.updated_at`,
			out.ID, out.MemberID, out.SourceServerID, roleJSON, targetJSON, out.IdentityValue, out.CreatedAt, out.UpdatedAt)
		return err
	})
	return out, created, err
}

// Delete removes the member's pending grant.
func (r *Repository) Delete(ctx context.Context, memberID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM pending_grants WHERE member_id = $1`, memberID)
	if err != nil {
		return fmt.Errorf("onboarding: delete grant: %w", err)
	}
	return nil
}

// DeleteOlderThan removes flows stuck past the age threshold.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM pending_grants WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("onboarding: cleanup grants: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns every pending grant, oldest first.
func (r *Repository) List(ctx context.Context) ([]PendingGrant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, member_id, source_server_id, granted_role_ids, targets, COALESCE(identity_value, ''), created_at, updated_at
		 FROM pending_grants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("onboarding: list grants: %w", err)
	}
	defer rows.Close()
	var out []PendingGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("onboarding: list grants: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (PendingGrant, error) {
	var grant PendingGrant
	var roleJSON, targetJSON []byte
	err := row.Scan(&grant.ID, &grant.MemberID, &grant.SourceServerID, &roleJSON, &targetJSON, &grant.IdentityValue, &grant.CreatedAt, &grant.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PendingGrant{}, shared.ErrNotFound
	}
	if err != nil {
		return PendingGrant{}, fmt.Errorf("onboarding: scan grant: %w", err)
	}
	if err := json.Unmarshal(roleJSON, &grant.GrantedRoleIDs); err != nil {
		return PendingGrant{}, fmt.Errorf("onboarding: decode roles: %w", err)
	}
	if err := json.Unmarshal(targetJSON, &grant.Targets); err != nil {
		return PendingGrant{}, fmt.Errorf("onboarding: decode targets: %w", err)
	}
	return grant, nil
}
