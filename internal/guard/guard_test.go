package guard

import (
	"context"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ttl, slog.Default()), mr
}

func TestGuardSuppressesWithinTTL(t *testing.T) {
	g, _ := newTestGuard(t, 3*time.Second)
	ctx := context.Background()

	if g.ShouldSuppress(ctx, "m1", "r1", "s1") {
		t.Fatal("fresh guard must not suppress")
	}
	g.MarkIssued(ctx, "m1", "r1", "s1")
	if !g.ShouldSuppress(ctx, "m1", "r1", "s1") {
		t.Fatal("marked triple must be suppressed")
	}
	if g.ShouldSuppress(ctx, "m1", "r2", "s1") {
		t.Fatal("different role must not be suppressed")
	}
	if g.ShouldSuppress(ctx, "m1", "r1", "s2") {
		t.Fatal("different server must not be suppressed")
	}
}

func TestGuardExpires(t *testing.T) {
	g, mr := newTestGuard(t, 2*time.Second)
	ctx := context.Background()

	g.MarkIssued(ctx, "m1", "r1", "s1")
	mr.FastForward(3 * time.Second)
	if g.ShouldSuppress(ctx, "m1", "r1", "s1") {
		t.Fatal("entry must expire after TTL")
	}
}

func TestGuardFailsOpen(t *testing.T) {
	g, mr := newTestGuard(t, 2*time.Second)
	ctx := context.Background()

	g.MarkIssued(ctx, "m1", "r1", "s1")
	mr.Close()
	if g.ShouldSuppress(ctx, "m1", "r1", "s1") {
		t.Fatal("guard must fail open when the backend is unreachable")
	}
}
