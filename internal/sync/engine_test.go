package sync

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/guildgate/guildgate/internal/gateway"
	"github.com/guildgate/guildgate/internal/gateway/gatewaytest"
	"github.com/guildgate/guildgate/internal/mapping"
	"github.com/guildgate/guildgate/internal/shared"
)

type memGuard struct {
	mu     sync.Mutex
	marked map[string]bool
}

func newMemGuard() *memGuard {
	return &memGuard{marked: make(map[string]bool)}
}

func (g *memGuard) ShouldSuppress(ctx context.Context, memberID, roleID, serverID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.marked[memberID+":"+roleID+":"+serverID]
}

func (g *memGuard) MarkIssued(ctx context.Context, memberID, roleID, serverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marked[memberID+":"+roleID+":"+serverID] = true
}

type stubOnboarder struct {
	mu    sync.Mutex
	calls [][]mapping.TargetConfig
	roles [][]string
}

func (o *stubOnboarder) HandleGatingGrant(ctx context.Context, sourceServerID, memberID string, grantedRoleIDs []string, targets []mapping.TargetConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, targets)
	o.roles = append(o.roles, grantedRoleIDs)
	return nil
}

func testStore(t *testing.T) *mapping.Store {
	t.Helper()
	store, err := mapping.NewStoreFromFile(mapping.File{
		Sources: []mapping.SourceEntry{{
			ServerID: "src",
			Roles: []mapping.RoleEntry{
				{RoleID: "r1", Targets: []mapping.TargetPoint{
					{ServerID: "t1", RoleID: "r1p"},
					{ServerID: "t2", RoleID: "r1q"},
				}},
				{RoleID: "r2", Targets: []mapping.TargetPoint{{ServerID: "t1", RoleID: "r2p"}}},
				{RoleID: "rA", Targets: []mapping.TargetPoint{{ServerID: "t1", RoleID: "x"}}},
				{RoleID: "rB", Targets: []mapping.TargetPoint{{ServerID: "t1", RoleID: "x"}}},
			},
		}},
		Targets: []mapping.TargetEntry{
			{
				ServerID:        "t1",
				Name:            "Alpha",
				InviteChannelID: "c1",
				AutoRoles: []mapping.AutoRoleEntry{
					{TriggerRoleID: "r1p", DependentRoleIDs: []string{"base"}},
					{TriggerRoleID: "r2p", DependentRoleIDs: []string{"base"}},
				},
			},
			{ServerID: "t2", Name: "Bravo", InviteChannelID: "c2"},
		},
	})
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	return store
}

func newTestEngine(t *testing.T) (*Engine, *gatewaytest.Fake, *memGuard, *stubOnboarder) {
	t.Helper()
	fake := gatewaytest.New()
	g := newMemGuard()
	ob := &stubOnboarder{}
	engine := NewEngine(testStore(t), fake, g, ob, shared.NewMemberLocks(), (*shared.AuditLogger)(nil), slog.Default())
	return engine, fake, g, ob
}

func TestDirectGrantMirrorsRoleAndAutoRoles(t *testing.T) {
	engine, fake, g, _ := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("t1", gateway.Member{ID: "m1"})

	engine.OnRoleDelta(ctx, "src", "m1", []string{"r1"}, nil)

	roles := fake.MemberRoles("t1", "m1")
	if len(roles) != 2 {
		t.Fatalf("expected r1p and base on t1, got %v", roles)
	}
	if !g.ShouldSuppress(ctx, "m1", "r1p", "t1") {
		t.Fatal("guard must record the issued grant")
	}
}

func TestRoleDeltaIsIdempotent(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("t1", gateway.Member{ID: "m1"})

	engine.OnRoleDelta(ctx, "src", "m1", []string{"r1"}, nil)
	engine.OnRoleDelta(ctx, "src", "m1", []string{"r1"}, nil)

	if adds := fake.CallsFor("add_role"); len(adds) != 2 {
		t.Fatalf("expected exactly 2 add calls (r1p, base), got %d", len(adds))
	}
	roles := fake.MemberRoles("t1", "m1")
	if len(roles) != 2 {
		t.Fatalf("double application changed the final set: %v", roles)
	}
}

func TestNonSourceServerIsIgnored(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	fake.PutMember("t1", gateway.Member{ID: "m1"})

	engine.OnRoleDelta(context.Background(), "t1", "m1", []string{"r1"}, nil)

	if len(fake.Calls) != 0 {
		t.Fatalf("non-source delta must be a no-op, got %v", fake.Calls)
	}
}

func TestAbsentMemberEscalatesToOnboarding(t *testing.T) {
	engine, fake, _, ob := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("t1", gateway.Member{ID: "m1"})

	engine.OnRoleDelta(ctx, "src", "m1", []string{"r1"}, nil)

	// Present on t1: mirrored directly. Absent from t2: escalated.
	if len(ob.calls) != 1 || len(ob.calls[0]) != 1 || ob.calls[0][0].ServerID != "t2" {
		t.Fatalf("expected one escalation for t2, got %+v", ob.calls)
	}
	if len(ob.roles[0]) != 1 || ob.roles[0][0] != "r1" {
		t.Fatalf("expected gating role r1, got %v", ob.roles)
	}
}

func TestFanOutIsolation(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("t1", gateway.Member{ID: "m1"})
	fake.PutMember("t2", gateway.Member{ID: "m1"})
	fake.FailWith("add_role", "t1", gateway.ErrForbidden)

	engine.OnRoleDelta(ctx, "src", "m1", []string{"r1"}, nil)

	if roles := fake.MemberRoles("t2", "m1"); len(roles) != 1 || roles[0] != "r1q" {
		t.Fatalf("t2 must succeed despite t1 failing, got %v", roles)
	}
}

func TestSimultaneousSwapComputesNetEffect(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("src", gateway.Member{ID: "m1", RoleIDs: []string{"rB"}})
	fake.PutMember("t1", gateway.Member{ID: "m1", RoleIDs: []string{"x"}})

	// Losing rA while gaining rB, both mapping to x, must not flicker x.
	engine.OnRoleDelta(ctx, "src", "m1", []string{"rB"}, []string{"rA"})

	if len(fake.Calls) != 0 {
		t.Fatalf("expected no mutations for a net no-op, got %v", fake.Calls)
	}
}

func TestRevokeCancelledByAlternateSourceRole(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("src", gateway.Member{ID: "m1", RoleIDs: []string{"rB"}})
	fake.PutMember("t1", gateway.Member{ID: "m1", RoleIDs: []string{"x"}})

	engine.OnRoleDelta(ctx, "src", "m1", nil, []string{"rA"})

	if removes := fake.CallsFor("remove_role"); len(removes) != 0 {
		t.Fatalf("x is still justified by rB, got removals %v", removes)
	}
}

func TestRevokeAppliedWhenNoSourceRoleRemains(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("src", gateway.Member{ID: "m1"})
	fake.PutMember("t1", gateway.Member{ID: "m1", RoleIDs: []string{"x"}})

	engine.OnRoleDelta(ctx, "src", "m1", nil, []string{"rA"})

	if roles := fake.MemberRoles("t1", "m1"); len(roles) != 0 {
		t.Fatalf("x should be revoked, got %v", roles)
	}
}

func TestSharedAutoRoleSurvivesPartialTriggerLoss(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("src", gateway.Member{ID: "m1", RoleIDs: []string{"r2"}})
	fake.PutMember("t1", gateway.Member{ID: "m1", RoleIDs: []string{"r1p", "r2p", "base"}})

	engine.OnRoleDelta(ctx, "src", "m1", nil, []string{"r1"})

	roles := fake.MemberRoles("t1", "m1")
	if containsRole(roles, "r1p") {
		t.Fatalf("r1p should be revoked, got %v", roles)
	}
	if !containsRole(roles, "base") {
		t.Fatalf("base is still held via r2p and must survive, got %v", roles)
	}

	fake.PutMember("src", gateway.Member{ID: "m1"})
	engine.OnRoleDelta(ctx, "src", "m1", nil, []string{"r2"})
	roles = fake.MemberRoles("t1", "m1")
	if containsRole(roles, "base") || containsRole(roles, "r2p") {
		t.Fatalf("losing the last trigger must drop base too, got %v", roles)
	}
}

func TestReconcileConvergesToFinalSourceImage(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	ctx := context.Background()

	// The member churned through grants and revocations while absent from
	// t1; only the final source set matters.
	fake.PutMember("src", gateway.Member{ID: "m1", RoleIDs: []string{"r2"}})
	fake.PutMember("t1", gateway.Member{ID: "m1", RoleIDs: []string{"r1p", "foreign"}})

	if err := engine.Reconcile(ctx, "m1", "t1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	roles := fake.MemberRoles("t1", "m1")
	if containsRole(roles, "r1p") {
		t.Fatalf("stale r1p must be revoked, got %v", roles)
	}
	if !containsRole(roles, "r2p") || !containsRole(roles, "base") {
		t.Fatalf("r2 image (r2p + base) missing, got %v", roles)
	}
	if !containsRole(roles, "foreign") {
		t.Fatalf("unmapped roles must never be touched, got %v", roles)
	}
}

func TestReconcileOnJoinViaObserver(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("src", gateway.Member{ID: "m1", RoleIDs: []string{"r1"}})
	fake.PutMember("t1", gateway.Member{ID: "m1"})

	engine.OnMemberJoin(ctx, "t1", gateway.Member{ID: "m1"})

	roles := fake.MemberRoles("t1", "m1")
	if !containsRole(roles, "r1p") || !containsRole(roles, "base") {
		t.Fatalf("join must repair missing mapped roles, got %v", roles)
	}
}

func TestReconcileIgnoresUnknownServer(t *testing.T) {
	engine, fake, _, _ := newTestEngine(t)
	if err := engine.Reconcile(context.Background(), "m1", "nowhere"); err != nil {
		t.Fatalf("unknown server must be a silent no-op: %v", err)
	}
	if len(fake.Calls) != 0 {
		t.Fatalf("no mutations expected, got %v", fake.Calls)
	}
}

func containsRole(roles []string, id string) bool {
	for _, r := range roles {
		if r == id {
			return true
		}
	}
	return false
}
