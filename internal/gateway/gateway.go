// Package gateway abstracts the chat platform's member and invite API.
package gateway

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors mapped from platform API responses.
var (
	// ErrNotFound indicates the member or resource does not exist on the server.
	ErrNotFound = errors.New("gateway: not found")
	// ErrForbidden indicates the bot lacks the privilege for the operation.
	ErrForbidden = errors.New("gateway: forbidden")
	// ErrBlocked indicates the member does not accept direct messages.
	ErrBlocked = errors.New("gateway: direct messages blocked")
	// ErrUnavailable indicates a transient platform or network failure.
	ErrUnavailable = errors.New("gateway: unavailable")
)

// Member is a member's live role state on one server. It is never persisted;
// the platform remains the source of truth.
type Member struct {
	ID      string
	RoleIDs []string
}

// HasRole reports whether the member currently holds the role.
func (m Member) HasRole(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// RoleSet returns the member's roles as a set.
func (m Member) RoleSet() map[string]struct{} {
	set := make(map[string]struct{}, len(m.RoleIDs))
	for _, id := range m.RoleIDs {
		set[id] = struct{}{}
	}
	return set
}

// Adapter is the command surface of the membership gateway. Every call is a
// blocking network operation and must be given a bounded context.
type Adapter interface {
	FetchMember(ctx context.Context, serverID, memberID string) (Member, error)
	AddRole(ctx context.Context, serverID, memberID, roleID, reason string) error
	RemoveRole(ctx context.Context, serverID, memberID, roleID, reason string) error
	KickMember(ctx context.Context, serverID, memberID, reason string) error
	CreateInvite(ctx context.Context, serverID, channelID string, maxUses int, ttl time.Duration) (string, error)
	SendDirectMessage(ctx context.Context, memberID, content string) error
}

// MemberObserver receives member lifecycle events for watched servers.
// Observers are registered at startup as a constructed list; there is no
// runtime discovery.
type MemberObserver interface {
	OnMemberUpdate(ctx context.Context, serverID string, before, after Member)
	OnMemberJoin(ctx context.Context, serverID string, member Member)
	OnMemberLeave(ctx context.Context, serverID, memberID string)
}

// MessageObserver receives direct-message replies addressed to the bot.
type MessageObserver interface {
	OnDirectMessageReply(ctx context.Context, memberID, content string)
}
