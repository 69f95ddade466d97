// Package ratelimit is a fixed-window request limiter on Redis. Learner
// endpoints fail open when Redis is unreachable; admin-dangerous endpoints
// fail closed so a Redis outage can never widen the blast radius of the
// control plane.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"medlearn/internal/config"
	"medlearn/internal/logging"
)

const keyPrefix = "medlearn:rl:"

// Decision is the outcome of one limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per (scope, subject) in fixed windows.
type Limiter struct {
	rdb    *redis.Client
	cfg    config.RateLimitConfig
	window time.Duration
}

// New builds a limiter. A nil client disables limiting entirely; that is the
// single-node development posture, not the fail-open path.
func New(rdb *redis.Client, cfg config.RateLimitConfig) *Limiter {
	window, err := time.ParseDuration(cfg.Window)
	if err != nil || window <= 0 {
		window = time.Minute
	}
	return &Limiter{rdb: rdb, cfg: cfg, window: window}
}

// Allow checks a learner-facing request.
func (l *Limiter) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.check(ctx, "learner", subject, l.cfg.MaxRequests, l.cfg.FailOpen)
}

// AllowAdmin checks an admin-dangerous request (switches, freezes,
// approvals). Defaults to fail closed.
func (l *Limiter) AllowAdmin(ctx context.Context, subject string) (Decision, error) {
	return l.check(ctx, "admin", subject, l.cfg.AdminMax, l.cfg.AdminFailOpen)
}

func (l *Limiter) check(ctx context.Context, scope, subject string, max int, failOpen bool) (Decision, error) {
	if l.rdb == nil || max <= 0 {
		return Decision{Allowed: true, Remaining: max}, nil
	}
	key := keyPrefix + scope + ":" + subject

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// First hit in the window sets the TTL; NX keeps later hits from
	// sliding it.
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.RateLimit("redis unavailable for %s/%s: %v (fail_open=%v)", scope, subject, err, failOpen)
		if failOpen {
			return Decision{Allowed: true, Remaining: max}, nil
		}
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	count := int(incr.Val())
	if count > max {
		retry := l.retryAfter(ctx, key)
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
	}
	return Decision{Allowed: true, Remaining: max - count}, nil
}

func (l *Limiter) retryAfter(ctx context.Context, key string) time.Duration {
	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return l.window
	}
	return ttl
}
