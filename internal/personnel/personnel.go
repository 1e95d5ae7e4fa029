// Package personnel links the engine to the personnel/records subsystem.
// The engine only retracts role-contingent records and checks identity
// uniqueness; all other personnel concerns live elsewhere.
package personnel

import (
	"context"

	"golang.org/x/text/cases"
)

// Directory is the narrow personnel surface the engines consume.
type Directory interface {
	// NotifyAccessRevoked retracts role-contingent records after a member
	// lost cross-server access. Best effort; callers do not retry.
	NotifyAccessRevoked(ctx context.Context, memberID string) error
	// IsIdentityTaken reports whether another member already holds the
	// identity value (case-folded comparison).
	IsIdentityTaken(ctx context.Context, value, excludingMemberID string) (bool, error)
	// PersistIdentity stores the member's identity value. Returns
	// shared.ErrConflict when the value is already taken.
	PersistIdentity(ctx context.Context, memberID, value string) error
}

var folder = cases.Fold()

// Fold normalizes an identity value for uniqueness comparison.
func Fold(value string) string {
	return folder.String(value)
}
