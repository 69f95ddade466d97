package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlearn/internal/config"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, cfg), mr
}

func TestAllowWithinWindow(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		Window: "1m", MaxRequests: 3, FailOpen: true,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	t.Run("other subjects are independent", func(t *testing.T) {
		d, err := l.Allow(ctx, "u2")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestWindowExpiryResetsCount(t *testing.T) {
	l, mr := newTestLimiter(t, config.RateLimitConfig{
		Window: "1m", MaxRequests: 1, FailOpen: true,
	})
	ctx := context.Background()

	d, err := l.Allow(ctx, "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(ctx, "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	mr.FastForward(61 * time.Second)

	d, err = l.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLearnerFailsOpenAdminFailsClosed(t *testing.T) {
	cfg := config.RateLimitConfig{
		Window: "1m", MaxRequests: 10, FailOpen: true,
		AdminMax: 5, AdminFailOpen: false,
	}
	l, mr := newTestLimiter(t, cfg)
	ctx := context.Background()
	mr.Close()

	d, err := l.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "learner traffic survives a Redis outage")

	_, err = l.AllowAdmin(ctx, "admin1")
	assert.Error(t, err, "admin-dangerous calls stop when the limiter cannot count")
}

func TestNilClientDisablesLimiting(t *testing.T) {
	l := New(nil, config.RateLimitConfig{Window: "1m", MaxRequests: 1})
	for i := 0; i < 5; i++ {
		d, err := l.Allow(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
