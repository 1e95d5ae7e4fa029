package mapping

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML schema for the mapping table.
type File struct {
	Sources []SourceEntry `yaml:"sources" validate:"required,min=1,dive"`
	Targets []TargetEntry `yaml:"targets" validate:"required,min=1,dive"`
}

// SourceEntry declares one source server and its mapped roles.
type SourceEntry struct {
	ServerID string      `yaml:"server_id" validate:"required"`
	Roles    []RoleEntry `yaml:"roles" validate:"required,min=1,dive"`
}

// RoleEntry maps one source role to its target counterparts.
type RoleEntry struct {
	RoleID  string        `yaml:"role_id" validate:"required"`
	Targets []TargetPoint `yaml:"targets" validate:"required,min=1,dive"`
}

// TargetPoint is one (target server, target role) image of a source role.
type TargetPoint struct {
	ServerID string `yaml:"server_id" validate:"required"`
	RoleID   string `yaml:"role_id" validate:"required"`
}

// TargetEntry declares one target server's policy and auto-roles.
type TargetEntry struct {
	ServerID         string          `yaml:"server_id" validate:"required"`
	Name             string          `yaml:"name" validate:"required"`
	InviteChannelID  string          `yaml:"invite_channel_id" validate:"required"`
	RequiresIdentity bool            `yaml:"requires_identity"`
	GatingRoleIDs    []string        `yaml:"gating_role_ids"`
	AutoRoles        []AutoRoleEntry `yaml:"auto_roles" validate:"dive"`
}

// AutoRoleEntry binds dependent roles to a trigger role on the target.
type AutoRoleEntry struct {
	TriggerRoleID    string   `yaml:"trigger_role_id" validate:"required"`
	DependentRoleIDs []string `yaml:"dependent_role_ids" validate:"required,min=1"`
}

type snapshot struct {
	bySourceRole map[string]map[string][]TargetRole
	autoRoles    map[string]map[string][]string
	targets      map[string]TargetConfig
	sources      map[string]struct{}
	watched      map[string]struct{}
	sourceRoles  map[string]map[string]struct{}
	intoTarget   map[string][]RoleMapping
	ownedRoles   map[string]map[string]struct{}
}

// Store serves read-only mapping lookups. Reload swaps in a freshly parsed
// snapshot atomically, so readers never observe a partial table.
type Store struct {
	path     string
	validate *validator.Validate
	current  atomic.Pointer[snapshot]
}

// NewStore loads the mapping table from path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, validate: validator.New()}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStoreFromFile builds a store from an already-parsed table. Used by
// tests and by callers that manage the file themselves.
func NewStoreFromFile(file File) (*Store, error) {
	s := &Store{validate: validator.New()}
	snap, err := s.build(file)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return s, nil
}

// Reload re-reads the mapping file and swaps the active snapshot. On any
// error the previous snapshot stays in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("mapping: store has no backing file")
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("mapping: read %s: %w", s.path, err)
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("mapping: parse %s: %w", s.path, err)
	}
	snap, err := s.build(file)
	if err != nil {
		return err
	}
	s.current.Store(snap)
	return nil
}

func (s *Store) build(file File) (*snapshot, error) {
	if err := s.validate.Struct(file); err != nil {
		return nil, fmt.Errorf("mapping: validate: %w", err)
	}

	snap := &snapshot{
		bySourceRole: make(map[string]map[string][]TargetRole),
		autoRoles:    make(map[string]map[string][]string),
		targets:      make(map[string]TargetConfig),
		sources:      make(map[string]struct{}),
		watched:      make(map[string]struct{}),
		sourceRoles:  make(map[string]map[string]struct{}),
		intoTarget:   make(map[string][]RoleMapping),
		ownedRoles:   make(map[string]map[string]struct{}),
	}

	for _, target := range file.Targets {
		if _, dup := snap.targets[target.ServerID]; dup {
			return nil, fmt.Errorf("mapping: duplicate target server %s", target.ServerID)
		}
		snap.targets[target.ServerID] = TargetConfig{
			ServerID:         target.ServerID,
			Name:             target.Name,
			InviteChannelID:  target.InviteChannelID,
			RequiresIdentity: target.RequiresIdentity,
			GatingRoleIDs:    append([]string(nil), target.GatingRoleIDs...),
		}
		snap.watched[target.ServerID] = struct{}{}
		snap.ownedRoles[target.ServerID] = make(map[string]struct{})
		for _, rule := range target.AutoRoles {
			if snap.autoRoles[target.ServerID] == nil {
				snap.autoRoles[target.ServerID] = make(map[string][]string)
			}
			if _, dup := snap.autoRoles[target.ServerID][rule.TriggerRoleID]; dup {
				return nil, fmt.Errorf("mapping: duplicate auto-role trigger %s on server %s", rule.TriggerRoleID, target.ServerID)
			}
			deps := append([]string(nil), rule.DependentRoleIDs...)
			snap.autoRoles[target.ServerID][rule.TriggerRoleID] = deps
			for _, dep := range deps {
				snap.ownedRoles[target.ServerID][dep] = struct{}{}
			}
		}
	}

	for _, source := range file.Sources {
		snap.sources[source.ServerID] = struct{}{}
		snap.watched[source.ServerID] = struct{}{}
		if snap.bySourceRole[source.ServerID] == nil {
			snap.bySourceRole[source.ServerID] = make(map[string][]TargetRole)
			snap.sourceRoles[source.ServerID] = make(map[string]struct{})
		}
		for _, role := range source.Roles {
			if _, dup := snap.sourceRoles[source.ServerID][role.RoleID]; dup {
				return nil, fmt.Errorf("mapping: duplicate source role %s on server %s", role.RoleID, source.ServerID)
			}
			snap.sourceRoles[source.ServerID][role.RoleID] = struct{}{}
			seen := make(map[string]struct{})
			for _, point := range role.Targets {
				if _, ok := snap.targets[point.ServerID]; !ok {
					return nil, fmt.Errorf("mapping: source role %s references undeclared target server %s", role.RoleID, point.ServerID)
				}
				if _, dup := seen[point.ServerID]; dup {
					return nil, fmt.Errorf("mapping: source role %s maps twice into target server %s", role.RoleID, point.ServerID)
				}
				seen[point.ServerID] = struct{}{}
				snap.bySourceRole[source.ServerID][role.RoleID] = append(
					snap.bySourceRole[source.ServerID][role.RoleID],
					TargetRole{ServerID: point.ServerID, RoleID: point.RoleID},
				)
				row := RoleMapping{
					SourceServerID: source.ServerID,
					SourceRoleID:   role.RoleID,
					TargetServerID: point.ServerID,
					TargetRoleID:   point.RoleID,
				}
				snap.intoTarget[point.ServerID] = append(snap.intoTarget[point.ServerID], row)
				snap.ownedRoles[point.ServerID][point.RoleID] = struct{}{}
			}
		}
	}

	// Targets without an explicit gating set fall back to every source
	// role that maps into them.
	for id, cfg := range snap.targets {
		if len(cfg.GatingRoleIDs) > 0 {
			continue
		}
		for _, row := range snap.intoTarget[id] {
			cfg.GatingRoleIDs = append(cfg.GatingRoleIDs, row.SourceRoleID)
		}
		snap.targets[id] = cfg
	}

	return snap, nil
}

func (s *Store) snap() *snapshot {
	return s.current.Load()
}

// ResolveTargets returns the target-role images of a source role. Unknown
// servers or roles yield an empty result.
func (s *Store) ResolveTargets(sourceServerID, roleID string) []TargetRole {
	return s.snap().bySourceRole[sourceServerID][roleID]
}

// ResolveAutoRoles returns the dependent roles bound to a trigger role on
// the given server.
func (s *Store) ResolveAutoRoles(serverID, roleID string) []string {
	return s.snap().autoRoles[serverID][roleID]
}

// AllWatchedServerIDs returns every source and target server ID.
func (s *Store) AllWatchedServerIDs() []string {
	snap := s.snap()
	ids := make([]string, 0, len(snap.watched))
	for id := range snap.watched {
		ids = append(ids, id)
	}
	return ids
}

// AllSourceRoleIDs returns the set of mapped roles on a source server.
func (s *Store) AllSourceRoleIDs(serverID string) map[string]struct{} {
	return s.snap().sourceRoles[serverID]
}

// IsSource reports whether the server is a configured source.
func (s *Store) IsSource(serverID string) bool {
	_, ok := s.snap().sources[serverID]
	return ok
}

// Target returns the target server's policy block.
func (s *Store) Target(serverID string) (TargetConfig, bool) {
	cfg, ok := s.snap().targets[serverID]
	return cfg, ok
}

// Targets returns every configured target policy block.
func (s *Store) Targets() []TargetConfig {
	snap := s.snap()
	out := make([]TargetConfig, 0, len(snap.targets))
	for _, cfg := range snap.targets {
		out = append(out, cfg)
	}
	return out
}

// MappingsInto returns every mapping row whose image lands on the target.
func (s *Store) MappingsInto(targetServerID string) []RoleMapping {
	return s.snap().intoTarget[targetServerID]
}

// OwnedRoleIDs returns the target-server roles this system manages: mapped
// target roles plus auto-role dependents. Roles outside this set are never
// touched.
func (s *Store) OwnedRoleIDs(targetServerID string) map[string]struct{} {
	return s.snap().ownedRoles[targetServerID]
}

// TargetsGatedBy returns the targets whose gating set contains the role.
func (s *Store) TargetsGatedBy(roleID string) []TargetConfig {
	snap := s.snap()
	var out []TargetConfig
	for _, cfg := range snap.targets {
		if cfg.GatedBy(roleID) {
			out = append(out, cfg)
		}
	}
	return out
}
