// Package mapping holds the static role-mapping configuration: which source
// roles mirror onto which target servers, gating sets, and auto-roles.
package mapping

// RoleMapping mirrors one source-server role onto one target-server role.
// A source role may fan out to several target servers, but maps to at most
// one role per target.
type RoleMapping struct {
	SourceServerID string
	SourceRoleID   string
	TargetServerID string
	TargetRoleID   string
}

// TargetRole identifies a role on a target server.
type TargetRole struct {
	ServerID string
	RoleID   string
}

// TargetConfig is the per-target-server policy block.
type TargetConfig struct {
	ServerID         string
	Name             string
	InviteChannelID  string
	RequiresIdentity bool
	// GatingRoleIDs are source-server roles; holding any one of them
	// preserves access to this target.
	GatingRoleIDs []string
}

// GatedBy reports whether the given source role is part of this target's
// gating set.
func (t TargetConfig) GatedBy(roleID string) bool {
	for _, id := range t.GatingRoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// StillGated reports whether any role in the set satisfies this target's
// any-of gating condition.
func (t TargetConfig) StillGated(roles map[string]struct{}) bool {
	for _, id := range t.GatingRoleIDs {
		if _, ok := roles[id]; ok {
			return true
		}
	}
	return false
}
