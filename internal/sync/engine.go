// Package sync mirrors role grants and revocations from source servers onto
// their mapped target servers and repairs drift when members (re)join.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/guildgate/guildgate/internal/gateway"
	"github.com/guildgate/guildgate/internal/mapping"
	"github.com/guildgate/guildgate/internal/shared"
)

// Suppressor gates reprocessing of the engine's own writes.
type Suppressor interface {
	ShouldSuppress(ctx context.Context, memberID, roleID, targetServerID string) bool
	MarkIssued(ctx context.Context, memberID, roleID, targetServerID string)
}

// Onboarder receives members who qualified for a target they have not
// joined yet; a role cannot be granted to a non-member.
type Onboarder interface {
	HandleGatingGrant(ctx context.Context, sourceServerID, memberID string, grantedRoleIDs []string, targets []mapping.TargetConfig) error
}

// Auditor records engine mutations.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Engine applies role deltas across the mapping and reconciles full state
// on join.
type Engine struct {
	store     *mapping.Store
	adapter   gateway.Adapter
	guard     Suppressor
	onboarder Onboarder
	locks     *shared.MemberLocks
	audit     Auditor
	logger    *slog.Logger
	reconcile singleflight.Group
}

// NewEngine builds an Engine instance.
func NewEngine(store *mapping.Store, adapter gateway.Adapter, guard Suppressor, onboarder Onboarder, locks *shared.MemberLocks, audit Auditor, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		adapter:   adapter,
		guard:     guard,
		onboarder: onboarder,
		locks:     locks,
		audit:     audit,
		logger:    logger,
	}
}

// OnMemberUpdate implements gateway.MemberObserver.
func (e *Engine) OnMemberUpdate(ctx context.Context, serverID string, before, after gateway.Member) {
	added, removed := diffRoles(before.RoleIDs, after.RoleIDs)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	e.OnRoleDelta(ctx, serverID, after.ID, added, removed)
}

// OnMemberJoin implements gateway.MemberObserver. Joining a watched target
// triggers a full desired-vs-actual repair.
func (e *Engine) OnMemberJoin(ctx context.Context, serverID string, member gateway.Member) {
	if _, ok := e.store.Target(serverID); !ok {
		return
	}
	if err := e.Reconcile(ctx, member.ID, serverID); err != nil {
		e.logger.Warn("reconcile on join failed",
			slog.String("member_id", member.ID),
			slog.String("server_id", serverID),
			slog.Any("error", err),
		)
	}
}

// OnMemberLeave implements gateway.MemberObserver. Departures are the exit
// engine's concern.
func (e *Engine) OnMemberLeave(ctx context.Context, serverID, memberID string) {}

// OnRoleDelta mirrors one source-server role delta onto every mapped
// target. Each target is processed independently; one target's failure
// never aborts the rest of the fan-out.
func (e *Engine) OnRoleDelta(ctx context.Context, serverID, memberID string, added, removed []string) {
	if !e.store.IsSource(serverID) {
		return
	}

	unlock := e.locks.Lock(memberID)
	defer unlock()

	grants, revokes := e.netEffect(ctx, serverID, memberID, added, removed)

	var escalations []mapping.TargetConfig
	escalated := make(map[string]struct{})
	for _, tr := range grants {
		if e.guard.ShouldSuppress(ctx, memberID, tr.RoleID, tr.ServerID) {
			continue
		}
		member, err := e.adapter.FetchMember(ctx, tr.ServerID, memberID)
		if errors.Is(err, gateway.ErrNotFound) {
			if cfg, ok := e.store.Target(tr.ServerID); ok {
				if _, seen := escalated[tr.ServerID]; !seen {
					escalated[tr.ServerID] = struct{}{}
					escalations = append(escalations, cfg)
				}
			}
			continue
		}
		if err != nil {
			e.logTargetFailure("fetch member", memberID, tr, err)
			continue
		}
		e.grantWithAutoRoles(ctx, tr, member)
	}
	for _, tr := range revokes {
		if e.guard.ShouldSuppress(ctx, memberID, tr.RoleID, tr.ServerID) {
			continue
		}
		member, err := e.adapter.FetchMember(ctx, tr.ServerID, memberID)
		if errors.Is(err, gateway.ErrNotFound) {
			continue
		}
		if err != nil {
			e.logTargetFailure("fetch member", memberID, tr, err)
			continue
		}
		e.revokeWithAutoRoles(ctx, serverID, tr, member)
	}

	if len(escalations) > 0 {
		gating := gatingSubset(added, escalations)
		if err := e.onboarder.HandleGatingGrant(ctx, serverID, memberID, gating, escalations); err != nil {
			e.logger.Error("onboarding escalation failed",
				slog.String("member_id", memberID),
				slog.Any("error", err),
			)
		}
	}
}

// netEffect folds the added and removed roles of one event into final
// per-target grant and revoke lists. A target role touched by both sides
// is resolved from the member's final source role set, never as a
// revoke-then-grant flicker.
func (e *Engine) netEffect(ctx context.Context, serverID, memberID string, added, removed []string) (grants, revokes []mapping.TargetRole) {
	grantSet := make(map[mapping.TargetRole]struct{})
	for _, roleID := range added {
		for _, tr := range e.store.ResolveTargets(serverID, roleID) {
			if _, ok := grantSet[tr]; ok {
				continue
			}
			grantSet[tr] = struct{}{}
			grants = append(grants, tr)
		}
	}

	revokeSet := make(map[mapping.TargetRole]struct{})
	for _, roleID := range removed {
		for _, tr := range e.store.ResolveTargets(serverID, roleID) {
			if _, granted := grantSet[tr]; granted {
				continue
			}
			if _, ok := revokeSet[tr]; ok {
				continue
			}
			revokeSet[tr] = struct{}{}
			revokes = append(revokes, tr)
		}
	}
	if len(revokes) == 0 {
		return grants, nil
	}

	// A revoke only stands if no still-held source role maps to the same
	// target role. The final set is fetched live; the event alone cannot
	// prove it.
	remaining := make(map[string]struct{})
	source, err := e.adapter.FetchMember(ctx, serverID, memberID)
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		e.logger.Warn("source fetch failed, trusting event delta",
			slog.String("member_id", memberID),
			slog.Any("error", err),
		)
	}
	if err == nil {
		remaining = source.RoleSet()
	}

	kept := revokes[:0]
	for _, tr := range revokes {
		if !e.stillMapped(serverID, tr, remaining) {
			kept = append(kept, tr)
		}
	}
	return grants, kept
}

// stillMapped reports whether any role in the held set maps to the target
// role.
func (e *Engine) stillMapped(sourceServerID string, tr mapping.TargetRole, held map[string]struct{}) bool {
	for _, row := range e.store.MappingsInto(tr.ServerID) {
		if row.SourceServerID != sourceServerID || row.TargetRoleID != tr.RoleID {
			continue
		}
		if _, ok := held[row.SourceRoleID]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) grantWithAutoRoles(ctx context.Context, tr mapping.TargetRole, member gateway.Member) {
	roles := append([]string{tr.RoleID}, e.store.ResolveAutoRoles(tr.ServerID, tr.RoleID)...)
	for _, roleID := range roles {
		if member.HasRole(roleID) {
			continue
		}
		if roleID != tr.RoleID && e.guard.ShouldSuppress(ctx, member.ID, roleID, tr.ServerID) {
			continue
		}
		if err := e.adapter.AddRole(ctx, tr.ServerID, member.ID, roleID, "role sync"); err != nil {
			e.logTargetFailure("add role", member.ID, mapping.TargetRole{ServerID: tr.ServerID, RoleID: roleID}, err)
			continue
		}
		e.guard.MarkIssued(ctx, member.ID, roleID, tr.ServerID)
		e.record(ctx, "role_granted", member.ID, tr.ServerID, roleID)
	}
}

func (e *Engine) revokeWithAutoRoles(ctx context.Context, sourceServerID string, tr mapping.TargetRole, member gateway.Member) {
	roles := []string{tr.RoleID}
	// Dependent auto-roles fall with their trigger unless another
	// still-held trigger also depends on them.
	for _, dep := range e.store.ResolveAutoRoles(tr.ServerID, tr.RoleID) {
		if !e.heldByOtherTrigger(tr, dep, member) {
			roles = append(roles, dep)
		}
	}
	for _, roleID := range roles {
		if !member.HasRole(roleID) {
			continue
		}
		if roleID != tr.RoleID && e.guard.ShouldSuppress(ctx, member.ID, roleID, tr.ServerID) {
			continue
		}
		if err := e.adapter.RemoveRole(ctx, tr.ServerID, member.ID, roleID, "role sync"); err != nil {
			e.logTargetFailure("remove role", member.ID, mapping.TargetRole{ServerID: tr.ServerID, RoleID: roleID}, err)
			continue
		}
		e.guard.MarkIssued(ctx, member.ID, roleID, tr.ServerID)
		e.record(ctx, "role_revoked", member.ID, tr.ServerID, roleID)
	}
}

func (e *Engine) heldByOtherTrigger(removed mapping.TargetRole, dep string, member gateway.Member) bool {
	for _, roleID := range member.RoleIDs {
		if roleID == removed.RoleID {
			continue
		}
		for _, other := range e.store.ResolveAutoRoles(removed.ServerID, roleID) {
			if other == dep {
				return true
			}
		}
	}
	return false
}

// Reconcile recomputes the member's desired mapped-role state on the
// target from the live source-of-truth and applies the difference. Roles
// outside the mapping are never touched. Tolerates arbitrarily long event
// gaps because nothing is replayed from a log.
func (e *Engine) Reconcile(ctx context.Context, memberID, targetServerID string) error {
	if _, ok := e.store.Target(targetServerID); !ok {
		return nil
	}
	_, err, _ := e.reconcile.Do(memberID+":"+targetServerID, func() (any, error) {
		return nil, e.doReconcile(ctx, memberID, targetServerID)
	})
	return err
}

func (e *Engine) doReconcile(ctx context.Context, memberID, targetServerID string) error {
	unlock := e.locks.Lock(memberID)
	defer unlock()

	member, err := e.adapter.FetchMember(ctx, targetServerID, memberID)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync: fetch target member: %w", err)
	}

	desired := make(map[string]struct{})
	sources := make(map[string]map[string]struct{})
	for _, row := range e.store.MappingsInto(targetServerID) {
		held, ok := sources[row.SourceServerID]
		if !ok {
			source, err := e.adapter.FetchMember(ctx, row.SourceServerID, memberID)
			if err != nil && !errors.Is(err, gateway.ErrNotFound) {
				return fmt.Errorf("sync: fetch source member: %w", err)
			}
			held = source.RoleSet()
			sources[row.SourceServerID] = held
		}
		if _, ok := held[row.SourceRoleID]; ok {
			desired[row.TargetRoleID] = struct{}{}
			for _, dep := range e.store.ResolveAutoRoles(targetServerID, row.TargetRoleID) {
				desired[dep] = struct{}{}
			}
		}
	}

	owned := e.store.OwnedRoleIDs(targetServerID)
	actual := make(map[string]struct{})
	for _, roleID := range member.RoleIDs {
		if _, ok := owned[roleID]; ok {
			actual[roleID] = struct{}{}
		}
	}

	for roleID := range desired {
		if _, ok := actual[roleID]; ok {
			continue
		}
		if err := e.adapter.AddRole(ctx, targetServerID, memberID, roleID, "role sync reconcile"); err != nil {
			e.logTargetFailure("reconcile add", memberID, mapping.TargetRole{ServerID: targetServerID, RoleID: roleID}, err)
			continue
		}
		e.guard.MarkIssued(ctx, memberID, roleID, targetServerID)
		e.record(ctx, "role_granted", memberID, targetServerID, roleID)
	}
	for roleID := range actual {
		if _, ok := desired[roleID]; ok {
			continue
		}
		if err := e.adapter.RemoveRole(ctx, targetServerID, memberID, roleID, "role sync reconcile"); err != nil {
			e.logTargetFailure("reconcile remove", memberID, mapping.TargetRole{ServerID: targetServerID, RoleID: roleID}, err)
			continue
		}
		e.guard.MarkIssued(ctx, memberID, roleID, targetServerID)
		e.record(ctx, "role_revoked", memberID, targetServerID, roleID)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, action, memberID, serverID, roleID string) {
	if err := e.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		MemberID: memberID,
		ServerID: serverID,
		RoleID:   roleID,
	}); err != nil {
		e.logger.Warn("audit write failed", slog.Any("error", err))
	}
}

func (e *Engine) logTargetFailure(op, memberID string, tr mapping.TargetRole, err error) {
	level := slog.LevelWarn
	if errors.Is(err, gateway.ErrForbidden) {
		level = slog.LevelError
	}
	e.logger.Log(context.Background(), level, "target operation failed",
		slog.String("op", op),
		slog.String("member_id", memberID),
		slog.String("server_id", tr.ServerID),
		slog.String("role_id", tr.RoleID),
		slog.Any("error", err),
	)
}

func gatingSubset(added []string, targets []mapping.TargetConfig) []string {
	var out []string
	for _, roleID := range added {
		for _, cfg := range targets {
			if cfg.GatedBy(roleID) {
				out = append(out, roleID)
				break
			}
		}
	}
	return out
}

func diffRoles(before, after []string) (added, removed []string) {
	beforeSet := make(map[string]struct{}, len(before))
	for _, id := range before {
		beforeSet[id] = struct{}{}
	}
	afterSet := make(map[string]struct{}, len(after))
	for _, id := range after {
		afterSet[id] = struct{}{}
	}
	for _, id := range after {
		if _, ok := beforeSet[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if _, ok := afterSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
