package pingrate

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, nil, nil), func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestAllow_NilLimiter_FailsOpen(t *testing.T) {
	var l *Limiter
	allowed, retryAfter, err := l.Allow(context.Background(), "host")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Zero(t, retryAfter)
}

func TestAllow_NoBucketConfigured_FailsOpen(t *testing.T) {
	l, cleanup := newTestLimiter(t)
	defer cleanup()

	allowed, _, err := l.Allow(context.Background(), "unconfigured-host")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAllow_RespectsCapacity(t *testing.T) {
	l, cleanup := newTestLimiter(t)
	defer cleanup()

	l.SetBucketConfig("busy-host", BucketConfig{Capacity: 2, RefillRate: 0.0001})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "busy-host")
		require.NoError(t, err)
		require.True(t, allowed, "call %d should be allowed within capacity", i)
	}

	allowed, retryAfter, err := l.Allow(ctx, "busy-host")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Positive(t, retryAfter)
}

func TestNewBucketConfigFromPerSecond(t *testing.T) {
	cfg := NewBucketConfigFromPerSecond(50)
	require.Equal(t, int64(50), cfg.Capacity)
	require.Equal(t, float64(50), cfg.RefillRate)

	require.Zero(t, NewBucketConfigFromPerSecond(0).Capacity)
}
