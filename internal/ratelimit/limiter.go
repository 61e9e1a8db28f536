// Package ratelimit implements per-user rate limiting backed by Redis
// INCR with expiring windows. Limits fail open: if Redis is unreachable
// the operation is allowed rather than blocking users on a cache outage.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule describes one limited action: at most Limit operations per Window.
type Rule struct {
	KeyPrefix string
	Limit     int64
	Window    time.Duration
}

// Default rules for the limited client operations.
var (
	// JoinRule caps queue joins to absorb reconnect storms.
	JoinRule = Rule{KeyPrefix: "rl:join:", Limit: 10, Window: time.Minute}

	// ChatRule caps chat messages per match participant.
	ChatRule = Rule{KeyPrefix: "rl:chat:", Limit: 10, Window: 10 * time.Second}
)

// Limiter enforces rules against a shared Redis instance.
type Limiter struct {
	client *redis.Client
}

// New creates a Limiter around an existing Redis client.
func New(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the counter for (rule, userID) and reports whether the
// operation is within the rule's limit. Redis errors are logged and the
// operation is allowed.
func (l *Limiter) Allow(ctx context.Context, rule Rule, userID string) bool {
	key := rule.KeyPrefix + userID

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] incr %s: %v (allowing)", key, err)
		return true
	}

	// First hit in the window owns setting the expiry.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] expire %s: %v", key, err)
		}
	}

	return count <= rule.Limit
}

// Remaining reports how many operations the user has left in the current
// window. Used for diagnostics, not enforcement.
func (l *Limiter) Remaining(ctx context.Context, rule Rule, userID string) (int64, error) {
	count, err := l.client.Get(ctx, rule.KeyPrefix+userID).Int64()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: read counter: %w", err)
	}
	if count >= rule.Limit {
		return 0, nil
	}
	return rule.Limit - count, nil
}
