// Package onboarding drives the invitation flow for members who newly gain
// cross-server access: identity collection where a target requires it, then
// single-use time-boxed invites.
package onboarding

import (
	"time"

	"github.com/google/uuid"
)

// State of a member's onboarding flow.
type State string

const (
	// StateAwaitingIdentity means the flow is parked until the member
	// replies with a valid identity value.
	StateAwaitingIdentity State = "awaiting_identity"
	// StateInvited is terminal; the pending record is deleted on entry.
	StateInvited State = "invited"
)

// TargetAccess is one target server the member has qualified for.
type TargetAccess struct {
	ServerID         string `json:"server_id"`
	ServerName       string `json:"server_name"`
	RequiresIdentity bool   `json:"requires_identity"`
}

// PendingGrant is the durable record of an onboarding flow in flight. It
// exists only between the qualifying role grant and invite dispatch (or
// abandonment), keyed by member.
type PendingGrant struct {
	ID             uuid.UUID
	MemberID       string
	SourceServerID string
	GrantedRoleIDs []string
	Targets        []TargetAccess
	IdentityValue  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RequiresIdentity reports whether any access in the batch needs identity
// collection. One such access parks the whole batch.
func (g PendingGrant) RequiresIdentity() bool {
	for _, t := range g.Targets {
		if t.RequiresIdentity {
			return true
		}
	}
	return false
}

func mergeRoleIDs(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range added {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func mergeTargets(existing, added []TargetAccess) (merged []TargetAccess, novel []TargetAccess) {
	seen := make(map[string]struct{}, len(existing))
	merged = append([]TargetAccess(nil), existing...)
	for _, t := range existing {
		seen[t.ServerID] = struct{}{}
	}
	for _, t := range added {
		if _, ok := seen[t.ServerID]; !ok {
			seen[t.ServerID] = struct{}{}
			merged = append(merged, t)
			novel = append(novel, t)
		}
	}
	return merged, novel
}
