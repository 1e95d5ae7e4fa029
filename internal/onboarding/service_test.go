package onboarding

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guildgate/guildgate/internal/gateway"
	"github.com/guildgate/guildgate/internal/gateway/gatewaytest"
	"github.com/guildgate/guildgate/internal/mapping"
	"github.com/guildgate/guildgate/internal/shared"
)

type memRepo struct {
	mu      sync.Mutex
	grants  map[string]PendingGrant
	upserts int
}

func newMemRepo() *memRepo {
	return &memRepo{grants: make(map[string]PendingGrant)}
}

func (r *memRepo) Get(ctx context.Context, memberID string) (PendingGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grant, ok := r.grants[memberID]
	if !ok {
		return PendingGrant{}, shared.ErrNotFound
	}
	return grant, nil
}

func (r *memRepo) UpsertMerge(ctx context.Context, grant PendingGrant) (PendingGrant, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	existing, ok := r.grants[grant.MemberID]
	if !ok {
		grant.CreatedAt = time.Now().UTC()
		grant.UpdatedAt = grant.CreatedAt
		r.grants[grant.MemberID] = grant
		return grant, true, nil
	}
	existing.GrantedRoleIDs = mergeRoleIDs(existing.GrantedRoleIDs, grant.GrantedRoleIDs)
	existing.Targets, _ = mergeTargets(existing.Targets, grant.Targets)
	existing.UpdatedAt = time.Now().UTC()
	r.grants[grant.MemberID] = existing
	return existing, false, nil
}

func (r *memRepo) Delete(ctx context.Context, memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants, memberID)
	return nil
}

func (r *memRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, g := range r.grants {
		if g.CreatedAt.Before(cutoff) {
			delete(r.grants, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) List(ctx context.Context) ([]PendingGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingGrant
	for _, g := range r.grants {
		out = append(out, g)
	}
	return out, nil
}

type stubDirectory struct {
	taken     map[string]bool
	persisted map[string]string
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{taken: make(map[string]bool), persisted: make(map[string]string)}
}

func (d *stubDirectory) NotifyAccessRevoked(ctx context.Context, memberID string) error {
	return nil
}

func (d *stubDirectory) IsIdentityTaken(ctx context.Context, value, excluding string) (bool, error) {
	return d.taken[strings.ToLower(value)], nil
}

func (d *stubDirectory) PersistIdentity(ctx context.Context, memberID, value string) error {
	d.persisted[memberID] = value
	return nil
}

func testStore(t *testing.T) *mapping.Store {
	t.Helper()
	store, err := mapping.NewStoreFromFile(mapping.File{
		Sources: []mapping.SourceEntry{{
			ServerID: "src",
			Roles: []mapping.RoleEntry{
				{RoleID: "r1", Targets: []mapping.TargetPoint{{ServerID: "t-open", RoleID: "r1p"}}},
				{RoleID: "r2", Targets: []mapping.TargetPoint{{ServerID: "t-vetted", RoleID: "r2p"}}},
			},
		}},
		Targets: []mapping.TargetEntry{
			{ServerID: "t-open", Name: "Open Wing", InviteChannelID: "c1"},
			{ServerID: "t-vetted", Name: "Vetted Wing", InviteChannelID: "c2", RequiresIdentity: true},
		},
	})
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	return store
}

func newTestService(t *testing.T) (*Service, *memRepo, *gatewaytest.Fake, *stubDirectory) {
	t.Helper()
	repo := newMemRepo()
	fake := gatewaytest.New()
	dir := newStubDirectory()
	svc := NewService(repo, fake, dir, testStore(t), (*shared.AuditLogger)(nil), slog.Default(), Config{
		InviteTTL:     24 * time.Hour,
		InviteMaxUses: 1,
	})
	return svc, repo, fake, dir
}

func vettedAccess(store *mapping.Store, t *testing.T) []mapping.TargetConfig {
	t.Helper()
	cfg, ok := store.Target("t-vetted")
	if !ok {
		t.Fatal("t-vetted missing")
	}
	return []mapping.TargetConfig{cfg}
}

func TestGatedGrantParksAwaitingIdentity(t *testing.T) {
	svc, repo, fake, _ := newTestService(t)
	ctx := context.Background()

	cfg, _ := svc.store.Target("t-vetted")
	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r2"}, []mapping.TargetConfig{cfg}))

	grant, err := repo.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, []string{"r2"}, grant.GrantedRoleIDs)
	require.True(t, grant.RequiresIdentity())

	require.Len(t, fake.DMs["m1"], 1)
	require.Contains(t, fake.DMs["m1"][0], "callsign")
	require.Empty(t, fake.Invites, "no invite may exist before identity submission")
}

func TestDirectGrantDispatchesImmediately(t *testing.T) {
	svc, repo, fake, _ := newTestService(t)
	ctx := context.Background()

	cfg, _ := svc.store.Target("t-open")
	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r1"}, []mapping.TargetConfig{cfg}))

	require.Len(t, fake.Invites, 1)
	require.Len(t, fake.DMs["m1"], 1)
	require.Contains(t, fake.DMs["m1"][0], "https://invite.test/t-open")

	_, err := repo.Get(ctx, "m1")
	require.ErrorIs(t, err, shared.ErrNotFound, "direct path must not leave a pending record")
}

func TestMergeProducesOneFlowAndOneBatch(t *testing.T) {
	svc, repo, fake, dir := newTestService(t)
	ctx := context.Background()

	vetted, _ := svc.store.Target("t-vetted")
	open, _ := svc.store.Target("t-open")

	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r2"}, []mapping.TargetConfig{vetted}))
	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r1"}, []mapping.TargetConfig{open}))

	grants, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, grants, 1, "merging must not create a second flow")
	require.Len(t, grants[0].Targets, 2)
	require.ElementsMatch(t, []string{"r1", "r2"}, grants[0].GrantedRoleIDs)

	// Prompt plus one follow-up describing the merged access.
	require.Len(t, fake.DMs["m1"], 2)
	require.Contains(t, fake.DMs["m1"][1], "Open Wing")

	require.NoError(t, svc.SubmitIdentity(ctx, "m1", "Viper"))

	require.Equal(t, "Viper", dir.persisted["m1"])
	require.Len(t, fake.Invites, 2, "exactly one batch with one invite per target")
	_, err = repo.Get(ctx, "m1")
	require.ErrorIs(t, err, shared.ErrNotFound, "flow must be terminal after dispatch")
}

func TestInvalidIdentityRepromptsWithoutTransition(t *testing.T) {
	svc, repo, fake, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r2"}, vettedAccess(svc.store, t)))
	require.NoError(t, svc.SubmitIdentity(ctx, "m1", "x"))
	require.NoError(t, svc.SubmitIdentity(ctx, "m1", "bad*chars!"))

	_, err := repo.Get(ctx, "m1")
	require.NoError(t, err, "flow must stay parked after invalid submissions")
	require.Empty(t, fake.Invites)
	require.Len(t, fake.DMs["m1"], 3) // prompt + two re-prompts
}

func TestTakenIdentityReprompts(t *testing.T) {
	svc, repo, fake, dir := newTestService(t)
	ctx := context.Background()
	dir.taken["viper"] = true

	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r2"}, vettedAccess(svc.store, t)))
	require.NoError(t, svc.SubmitIdentity(ctx, "m1", "Viper"))

	_, err := repo.Get(ctx, "m1")
	require.NoError(t, err)
	require.Empty(t, dir.persisted)
	require.Contains(t, fake.DMs["m1"][1], "already in use")
}

func TestBlockedDMAbandonsFlow(t *testing.T) {
	svc, repo, fake, _ := newTestService(t)
	ctx := context.Background()
	fake.BlockDMs("m1")

	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r2"}, vettedAccess(svc.store, t)))

	_, err := repo.Get(ctx, "m1")
	require.ErrorIs(t, err, shared.ErrNotFound, "blocked DM must clear the pending record")
	require.Empty(t, fake.Invites)
}

func TestTransientInviteFailureKeepsFlow(t *testing.T) {
	svc, repo, fake, dir := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r2"}, vettedAccess(svc.store, t)))
	fake.FailWith("invite", "t-vetted", gateway.ErrUnavailable)
	require.NoError(t, svc.SubmitIdentity(ctx, "m1", "Viper"))

	_, err := repo.Get(ctx, "m1")
	require.NoError(t, err, "flow must survive a transient invite failure")
	require.Empty(t, fake.Invites)
	require.Equal(t, "Viper", dir.persisted["m1"])
	require.Len(t, fake.DMs["m1"], 1, "no invite message without an invite")

	// The platform recovers; the next reply completes the flow.
	fake.FailWith("invite", "t-vetted", nil)
	require.NoError(t, svc.SubmitIdentity(ctx, "m1", "Viper"))

	require.Len(t, fake.Invites, 1)
	_, err = repo.Get(ctx, "m1")
	require.ErrorIs(t, err, shared.ErrNotFound, "flow is terminal once every invite went out")
}

func TestPartialInviteFailureKeepsFlow(t *testing.T) {
	svc, repo, fake, _ := newTestService(t)
	ctx := context.Background()

	open, _ := svc.store.Target("t-open")
	vetted, _ := svc.store.Target("t-vetted")
	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r1", "r2"}, []mapping.TargetConfig{open, vetted}))

	fake.FailWith("invite", "t-vetted", gateway.ErrUnavailable)
	require.NoError(t, svc.SubmitIdentity(ctx, "m1", "Viper"))

	require.Len(t, fake.Invites, 1, "the healthy target still gets its invite")
	require.Equal(t, "t-open", fake.Invites[0].ServerID)
	require.Contains(t, fake.DMs["m1"][len(fake.DMs["m1"])-1], "Open Wing")

	_, err := repo.Get(ctx, "m1")
	require.NoError(t, err, "one failed target must keep the flow pending")
}

func TestDispatchSkipsExistingMembers(t *testing.T) {
	svc, _, fake, _ := newTestService(t)
	ctx := context.Background()

	fake.PutMember("t-open", gateway.Member{ID: "m1"})
	open, _ := svc.store.Target("t-open")
	vetted, _ := svc.store.Target("t-vetted")

	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r1", "r2"}, []mapping.TargetConfig{open, vetted}))
	require.NoError(t, svc.SubmitIdentity(ctx, "m1", "Viper"))

	require.Len(t, fake.Invites, 1)
	require.Equal(t, "t-vetted", fake.Invites[0].ServerID)
}

func TestCleanupStale(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleGatingGrant(ctx, "src", "m1", []string{"r2"}, vettedAccess(svc.store, t)))
	repo.mu.Lock()
	g := repo.grants["m1"]
	g.CreatedAt = time.Now().UTC().Add(-200 * time.Hour)
	repo.grants["m1"] = g
	repo.mu.Unlock()

	n, err := svc.CleanupStale(ctx, 168*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
