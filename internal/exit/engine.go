// Package exit removes members from target servers once the source-server
// roles that granted them access are gone.
package exit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/guildgate/guildgate/internal/gateway"
	"github.com/guildgate/guildgate/internal/mapping"
	"github.com/guildgate/guildgate/internal/personnel"
	"github.com/guildgate/guildgate/internal/shared"
)

// Auditor records engine mutations.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Engine consumes membership-loss signals and revokes contingent access.
type Engine struct {
	store     *mapping.Store
	adapter   gateway.Adapter
	directory personnel.Directory
	locks     *shared.MemberLocks
	audit     Auditor
	logger    *slog.Logger
}

// NewEngine builds an Engine instance.
func NewEngine(store *mapping.Store, adapter gateway.Adapter, directory personnel.Directory, locks *shared.MemberLocks, audit Auditor, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		adapter:   adapter,
		directory: directory,
		locks:     locks,
		audit:     audit,
		logger:    logger,
	}
}

// OnMemberUpdate implements gateway.MemberObserver.
func (e *Engine) OnMemberUpdate(ctx context.Context, serverID string, before, after gateway.Member) {
	e.OnMemberRoleLoss(ctx, serverID, before, after)
}

// OnMemberJoin implements gateway.MemberObserver. Joins are the sync
// engine's concern.
func (e *Engine) OnMemberJoin(ctx context.Context, serverID string, member gateway.Member) {}

// OnMemberLeave implements gateway.MemberObserver.
func (e *Engine) OnMemberLeave(ctx context.Context, serverID, memberID string) {
	e.OnMemberLeftSource(ctx, serverID, memberID)
}

// OnMemberRoleLoss evaluates whether lost roles cost the member access to
// any target. Holding any one role of a target's gating set preserves
// access to it.
func (e *Engine) OnMemberRoleLoss(ctx context.Context, serverID string, before, after gateway.Member) {
	if !e.store.IsSource(serverID) {
		return
	}
	afterSet := after.RoleSet()
	var lost []string
	for _, roleID := range before.RoleIDs {
		if _, ok := afterSet[roleID]; !ok {
			lost = append(lost, roleID)
		}
	}
	if len(lost) == 0 {
		return
	}

	// The overwhelmingly common case is a role change with no gating
	// relevance; it must cost nothing beyond this lookup.
	candidates := make(map[string]mapping.TargetConfig)
	for _, roleID := range lost {
		for _, cfg := range e.store.TargetsGatedBy(roleID) {
			candidates[cfg.ServerID] = cfg
		}
	}
	if len(candidates) == 0 {
		return
	}

	var revoke []mapping.TargetConfig
	for _, cfg := range candidates {
		if !cfg.StillGated(afterSet) {
			revoke = append(revoke, cfg)
		}
	}
	if len(revoke) == 0 {
		return
	}

	unlock := e.locks.Lock(after.ID)
	defer unlock()
	e.removeFrom(ctx, after.ID, revoke)
}

// OnMemberLeftSource revokes access everywhere after the member left the
// source server. Their prior role set is gone with them, so every target
// is a revoke candidate: presence on any of them was contingent on source
// membership.
func (e *Engine) OnMemberLeftSource(ctx context.Context, serverID, memberID string) {
	if !e.store.IsSource(serverID) {
		return
	}
	unlock := e.locks.Lock(memberID)
	defer unlock()
	e.removeFrom(ctx, memberID, e.store.Targets())
}

// removeFrom kicks the member from each target. Targets fail
// independently; after at least one successful removal the personnel
// subsystem is told once to retract contingent records.
func (e *Engine) removeFrom(ctx context.Context, memberID string, targets []mapping.TargetConfig) {
	kicked := 0
	for _, cfg := range targets {
		err := e.adapter.KickMember(ctx, cfg.ServerID, memberID, "source access revoked")
		switch {
		case err == nil:
			kicked++
			e.logger.Info("member removed from target",
				slog.String("member_id", memberID),
				slog.String("server_id", cfg.ServerID),
			)
			if auditErr := e.audit.Record(ctx, shared.AuditLog{
				Action:   "member_kicked",
				MemberID: memberID,
				ServerID: cfg.ServerID,
			}); auditErr != nil {
				e.logger.Warn("audit write failed", slog.Any("error", auditErr))
			}
		case errors.Is(err, gateway.ErrNotFound):
			// Already absent; nothing to revoke.
		case errors.Is(err, gateway.ErrForbidden):
			e.logger.Error("kick forbidden, check bot privileges",
				slog.String("member_id", memberID),
				slog.String("server_id", cfg.ServerID),
			)
		default:
			e.logger.Warn("kick failed",
				slog.String("member_id", memberID),
				slog.String("server_id", cfg.ServerID),
				slog.Any("error", err),
			)
		}
	}

	if kicked == 0 {
		return
	}
	// Best effort: the kicks stand regardless of whether the retraction
	// lands.
	if err := e.directory.NotifyAccessRevoked(ctx, memberID); err != nil {
		e.logger.Error("personnel retraction failed",
			slog.String("member_id", memberID),
			slog.Any("error", err),
		)
	}
}
