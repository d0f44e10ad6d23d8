// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The gateway throttles message sends, conversation opens and
// connection attempts with it.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // action label used in metrics and client replies
	Key    string        // Redis key prefix (e.g., "rl:send:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSend allows 30 chat messages per minute per user.
	RuleSend = Rule{Name: "send_message", Key: "rl:send:", Limit: 30, Window: time.Minute}

	// RuleOpen allows 20 conversation opens per minute per user.
	RuleOpen = Rule{Name: "open_chat", Key: "rl:open:", Limit: 20, Window: time.Minute}

	// RuleConnect allows 10 WebSocket connections per minute per IP.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 10, Window: time.Minute}
)

// WithLimit returns a copy of r allowing limit requests per window.
func (r Rule) WithLimit(limit int) Rule {
	r.Limit = limit
	return r
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *zap.Logger) *Limiter {
	return &Limiter{client: client, log: log.Named("ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// On Redis errors the method fails open (returns true) so that a Redis
// outage does not block legitimate traffic; the error is still returned.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without a TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("redis GET failed, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}

	return max(rule.Limit-count, 0), nil
}

// RetryAfter returns how long until the identifier's window resets. It
// returns the full window when the key has no TTL or Redis fails.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}
