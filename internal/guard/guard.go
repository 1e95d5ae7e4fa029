// Package guard suppresses reprocessing of the engine's own writes. When a
// role mutation is issued on a target server, the platform echoes it back as
// a member-update event a moment later; the guard recognises the echo and
// skips it.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard is a TTL-keyed suppression set. Entries expire unconditionally;
// a missed suppression only costs one redundant no-op mutation, so every
// failure path fails open.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New constructs a Guard. The TTL should exceed the gateway's round-trip
// latency for a self-caused event; too long delays legitimate rapid
// re-grants.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = 4 * time.Second
	}
	return &Guard{client: client, ttl: ttl, logger: logger}
}

func key(memberID, roleID, targetServerID string) string {
	return fmt.Sprintf("guard:%s:%s:%s", memberID, roleID, targetServerID)
}

// MarkIssued records that the engine just mutated (member, role, server).
func (g *Guard) MarkIssued(ctx context.Context, memberID, roleID, targetServerID string) {
	if err := g.client.Set(ctx, key(memberID, roleID, targetServerID), 1, g.ttl).Err(); err != nil {
		g.logger.Warn("guard mark failed",
			slog.String("member_id", memberID),
			slog.String("role_id", roleID),
			slog.Any("error", err),
		)
	}
}

// ShouldSuppress reports whether an incoming event for (member, role,
// server) is an unexpired echo of the engine's own write.
func (g *Guard) ShouldSuppress(ctx context.Context, memberID, roleID, targetServerID string) bool {
	n, err := g.client.Exists(ctx, key(memberID, roleID, targetServerID)).Result()
	if err != nil {
		g.logger.Warn("guard lookup failed", slog.Any("error", err))
		return false
	}
	return n > 0
}
