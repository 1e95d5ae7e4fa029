// Package gatewaytest provides an in-memory Adapter for engine tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guildgate/guildgate/internal/gateway"
)

// Call records a single mutation issued against the fake.
type Call struct {
	Op       string
	ServerID string
	MemberID string
	RoleID   string
}

// Fake is an in-memory Adapter. Members are kept per server and all
// mutations are recorded for assertions.
type Fake struct {
	mu sync.Mutex

	members map[string]map[string]*gateway.Member
	blocked map[string]bool
	errs    map[string]error

	Calls   []Call
	DMs     map[string][]string
	Invites []Call
}

// New returns an empty fake adapter.
func New() *Fake {
	return &Fake{
		members: make(map[string]map[string]*gateway.Member),
		blocked: make(map[string]bool),
		errs:    make(map[string]error),
		DMs:     make(map[string][]string),
	}
}

// PutMember installs or replaces a member on a server.
func (f *Fake) PutMember(serverID string, member gateway.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[serverID] == nil {
		f.members[serverID] = make(map[string]*gateway.Member)
	}
	copied := gateway.Member{ID: member.ID, RoleIDs: append([]string(nil), member.RoleIDs...)}
	f.members[serverID][member.ID] = &copied
}

// MemberRoles returns the member's current roles, or nil when absent.
func (f *Fake) MemberRoles(serverID, memberID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[serverID][memberID]
	if !ok {
		return nil
	}
	return append([]string(nil), m.RoleIDs...)
}

// HasMember reports member presence on a server.
func (f *Fake) HasMember(serverID, memberID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[serverID][memberID]
	return ok
}

// FailWith forces an error for every subsequent op on the given server.
func (f *Fake) FailWith(op, serverID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op+":"+serverID] = err
}

// BlockDMs makes SendDirectMessage fail with ErrBlocked for the member.
func (f *Fake) BlockDMs(memberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[memberID] = true
}

// CallsFor filters recorded calls by op name.
func (f *Fake) CallsFor(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) forced(op, serverID string) error {
	return f.errs[op+":"+serverID]
}

// FetchMember implements gateway.Adapter.
func (f *Fake) FetchMember(ctx context.Context, serverID, memberID string) (gateway.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("fetch", serverID); err != nil {
		return gateway.Member{}, err
	}
	m, ok := f.members[serverID][memberID]
	if !ok {
		return gateway.Member{}, gateway.ErrNotFound
	}
	return gateway.Member{ID: m.ID, RoleIDs: append([]string(nil), m.RoleIDs...)}, nil
}

// AddRole implements gateway.Adapter.
func (f *Fake) AddRole(ctx context.Context, serverID, memberID, roleID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("add_role", serverID); err != nil {
		return err
	}
	m, ok := f.members[serverID][memberID]
	if !ok {
		return gateway.ErrNotFound
	}
	f.Calls = append(f.Calls, Call{Op: "add_role", ServerID: serverID, MemberID: memberID, RoleID: roleID})
	if !m.HasRole(roleID) {
		m.RoleIDs = append(m.RoleIDs, roleID)
	}
	return nil
}

// RemoveRole implements gateway.Adapter.
func (f *Fake) RemoveRole(ctx context.Context, serverID, memberID, roleID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("remove_role", serverID); err != nil {
		return err
	}
	m, ok := f.members[serverID][memberID]
	if !ok {
		return gateway.ErrNotFound
	}
	f.Calls = append(f.Calls, Call{Op: "remove_role", ServerID: serverID, MemberID: memberID, RoleID: roleID})
	kept := m.RoleIDs[:0]
	for _, id := range m.RoleIDs {
		if id != roleID {
			kept = append(kept, id)
		}
	}
	m.RoleIDs = kept
	return nil
}

// KickMember implements gateway.Adapter.
func (f *Fake) KickMember(ctx context.Context, serverID, memberID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("kick", serverID); err != nil {
		return err
	}
	if _, ok := f.members[serverID][memberID]; !ok {
		return gateway.ErrNotFound
	}
	f.Calls = append(f.Calls, Call{Op: "kick", ServerID: serverID, MemberID: memberID})
	delete(f.members[serverID], memberID)
	return nil
}

// CreateInvite implements gateway.Adapter.
func (f *Fake) CreateInvite(ctx context.Context, serverID, channelID string, maxUses int, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("invite", serverID); err != nil {
		return "", err
	}
	f.Invites = append(f.Invites, Call{Op: "invite", ServerID: serverID})
	return fmt.Sprintf("https://invite.test/%s/%d", serverID, len(f.Invites)), nil
}

// SendDirectMessage implements gateway.Adapter.
func (f *Fake) SendDirectMessage(ctx context.Context, memberID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked[memberID] {
		return gateway.ErrBlocked
	}
	f.DMs[memberID] = append(f.DMs[memberID], content)
	return nil
}
