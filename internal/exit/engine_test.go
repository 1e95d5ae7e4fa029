package exit

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

type recordingDirectory struct {
	mu      sync.Mutex
	revoked []string
}

func (d *recordingDirectory) NotifyAccessRevoked(ctx context.Context, memberID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, memberID)
	return nil
}

func (d *recordingDirectory) IsIdentityTaken(ctx context.Context, value, excluding string) (bool, error) {
	return false, nil
}

func (d *recordingDirectory) PersistIdentity(ctx context.Context, memberID, value string) error {
	return nil
}

func testStore(t *testing.T) *mapping.Store {
	t.Helper()
	store, err := mapping.NewStoreFromFile(mapping.File{
		Sources: []mapping.SourceEntry{{
			ServerID: "src",
			Roles: []mapping.RoleEntry{
				{RoleID: "g1", Targets: []mapping.TargetPoint{
					{ServerID: "t1", RoleID: "g1p"},
					{ServerID: "t3", RoleID: "g1r"},
				}},
				{RoleID: "g2", Targets: []mapping.TargetPoint{{ServerID: "t1", RoleID: "g2p"}}},
			},
		}},
		Targets: []mapping.TargetEntry{
			{ServerID: "t1", Name: "Alpha", InviteChannelID: "c1", GatingRoleIDs: []string{"g1", "g2"}},
			{ServerID: "t3", Name: "Charlie", InviteChannelID: "c3", GatingRoleIDs: []string{"g1"}},
		},
	})
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	return store
}

func newTestEngine(t *testing.T) (*Engine, *gatewaytest.Fake, *recordingDirectory) {
	t.Helper()
	fake := gatewaytest.New()
	dir := &recordingDirectory{}
	engine := NewEngine(testStore(t), fake, dir, shared.NewMemberLocks(), (*shared.AuditLogger)(nil), slog.Default())
	return engine, fake, dir
}

func TestExitCascadeKicksAndRetractsOnce(t *testing.T) {
	engine, fake, dir := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("t1", gateway.Member{ID: "m1"})
	fake.PutMember("t3", gateway.Member{ID: "m1"})
	fake.PutMember("t2", gateway.Member{ID: "m1"}) // unmapped server

	engine.OnMemberRoleLoss(ctx, "src",
		gateway.Member{ID: "m1", RoleIDs: []string{"g1"}},
		gateway.Member{ID: "m1"},
	)

	if fake.HasMember("t1", "m1") || fake.HasMember("t3", "m1") {
		t.Fatal("member must be kicked from both gated targets")
	}
	if !fake.HasMember("t2", "m1") {
		t.Fatal("unmapped server must be left alone")
	}
	if len(dir.revoked) != 1 || dir.revoked[0] != "m1" {
		t.Fatalf("retraction hook must fire exactly once, got %v", dir.revoked)
	}
}

func TestAnyOfGatingPreservesAccessUnderPartialLoss(t *testing.T) {
	engine, fake, dir := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("t1", gateway.Member{ID: "m1"})

	engine.OnMemberRoleLoss(ctx, "src",
		gateway.Member{ID: "m1", RoleIDs: []string{"g1", "g2"}},
		gateway.Member{ID: "m1", RoleIDs: []string{"g2"}},
	)
	if !fake.HasMember("t1", "m1") {
		t.Fatal("holding g2 must preserve access to t1")
	}

	engine.OnMemberRoleLoss(ctx, "src",
		gateway.Member{ID: "m1", RoleIDs: []string{"g2"}},
		gateway.Member{ID: "m1"},
	)
	if fake.HasMember("t1", "m1") {
		t.Fatal("losing the last gating role must remove the member")
	}
	if len(dir.revoked) != 1 {
		t.Fatalf("expected exactly one retraction, got %v", dir.revoked)
	}
}

func TestIrrelevantRoleLossIsFree(t *testing.T) {
	engine, fake, dir := newTestEngine(t)

	engine.OnMemberRoleLoss(context.Background(), "src",
		gateway.Member{ID: "m1", RoleIDs: []string{"g1", "decor"}},
		gateway.Member{ID: "m1", RoleIDs: []string{"g1"}},
	)

	if len(fake.Calls) != 0 {
		t.Fatalf("irrelevant loss must issue no adapter calls, got %v", fake.Calls)
	}
	if len(dir.revoked) != 0 {
		t.Fatal("no retraction expected")
	}
}

func TestAlreadyAbsentMemberIsSwallowed(t *testing.T) {
	engine, fake, dir := newTestEngine(t)

	engine.OnMemberRoleLoss(context.Background(), "src",
		gateway.Member{ID: "m1", RoleIDs: []string{"g1"}},
		gateway.Member{ID: "m1"},
	)

	if len(fake.CallsFor("kick")) != 0 {
		t.Fatal("no successful kicks expected")
	}
	if len(dir.revoked) != 0 {
		t.Fatal("retraction must not fire without a successful removal")
	}
}

func TestForbiddenTargetDoesNotAbortSiblings(t *testing.T) {
	engine, fake, dir := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("t1", gateway.Member{ID: "m1"})
	fake.PutMember("t3", gateway.Member{ID: "m1"})
	fake.FailWith("kick", "t1", gateway.ErrForbidden)

	engine.OnMemberRoleLoss(ctx, "src",
		gateway.Member{ID: "m1", RoleIDs: []string{"g1"}},
		gateway.Member{ID: "m1"},
	)

	if !fake.HasMember("t1", "m1") {
		t.Fatal("forbidden kick should leave t1 membership in place")
	}
	if fake.HasMember("t3", "m1") {
		t.Fatal("t3 must still be processed")
	}
	if len(dir.revoked) != 1 {
		t.Fatalf("one successful kick still triggers retraction, got %v", dir.revoked)
	}
}

func TestLeavingSourceRevokesEverywhere(t *testing.T) {
	engine, fake, dir := newTestEngine(t)
	ctx := context.Background()
	fake.PutMember("t1", gateway.Member{ID: "m1"})
	fake.PutMember("t3", gateway.Member{ID: "m1"})

	engine.OnMemberLeftSource(ctx, "src", "m1")

	if fake.HasMember("t1", "m1") || fake.HasMember("t3", "m1") {
		t.Fatal("leaving the source must revoke every target")
	}
	if len(dir.revoked) != 1 {
		t.Fatalf("expected one retraction, got %v", dir.revoked)
	}
}

func TestNonSourceEventsIgnored(t *testing.T) {
	engine, fake, _ := newTestEngine(t)
	fake.PutMember("t1", gateway.Member{ID: "m1"})

	engine.OnMemberLeftSource(context.Background(), "t1", "m1")

	if !fake.HasMember("t1", "m1") {
		t.Fatal("leave events on non-source servers must be ignored")
	}
}
