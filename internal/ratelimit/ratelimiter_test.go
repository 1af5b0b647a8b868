package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return client, mr
}

func newTestLimiter(client *redis.Client, cfg Config, now *time.Time) *RateLimiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "test"
	}
	limiter := NewRateLimiter(client, cfg)
	limiter.now = func() time.Time { return *now }
	return limiter
}

func TestRateLimiter_Admit(t *testing.T) {
	t.Run("first limit calls admitted, counts keep increasing", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		now := time.Date(2024, 6, 1, 10, 0, 15, 0, time.UTC)
		limiter := newTestLimiter(client, Config{}, &now)
		ctx := context.Background()

		var last int64
		for i := 0; i < 7; i++ {
			d, err := limiter.Admit(ctx, "key-1", 5)
			require.NoError(t, err)

			assert.Equal(t, i < 5, d.Allowed, "call %d", i+1)
			assert.Greater(t, d.CurrentCount, last)
			last = d.CurrentCount
		}
		assert.Equal(t, int64(7), last)
	})

	t.Run("denied decision carries retry after and error", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		now := time.Date(2024, 6, 1, 10, 0, 15, 0, time.UTC)
		limiter := newTestLimiter(client, Config{}, &now)
		ctx := context.Background()

		_, err := limiter.Admit(ctx, "key-2", 1)
		require.NoError(t, err)

		d, err := limiter.Admit(ctx, "key-2", 1)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 45, d.RetryAfterSeconds)
		assert.ErrorIs(t, d.Err(), ErrRateLimitExceeded)
	})

	t.Run("new window starts a new counter", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		now := time.Date(2024, 6, 1, 10, 0, 59, 0, time.UTC)
		limiter := newTestLimiter(client, Config{}, &now)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := limiter.Admit(ctx, "key-3", 2)
			require.NoError(t, err)
		}

		now = now.Add(2 * time.Second)
		d, err := limiter.Admit(ctx, "key-3", 2)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.CurrentCount)
	})

	t.Run("window key expires", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
		limiter := newTestLimiter(client, Config{Prefix: "xr"}, &now)
		ctx := context.Background()

		_, err := limiter.Admit(ctx, "key-4", 10)
		require.NoError(t, err)

		key := "xr:rate_limit:key-4:28620600" // floor(now/60)
		assert.True(t, mr.Exists(key))
		assert.Equal(t, 60*time.Second, mr.TTL(key))

		mr.FastForward(61 * time.Second)
		assert.False(t, mr.Exists(key))
	})

	t.Run("unlimited when limit is 0", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		now := time.Now()
		limiter := newTestLimiter(client, Config{}, &now)

		for i := 0; i < 100; i++ {
			d, err := limiter.Admit(context.Background(), "key-unlimited", 0)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
		assert.Empty(t, mr.Keys())
	})

	t.Run("store failure denies", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer client.Close()
		now := time.Now()
		limiter := newTestLimiter(client, Config{Timeout: 100 * time.Millisecond}, &now)

		d, err := limiter.Admit(context.Background(), "key-5", 10)
		assert.Error(t, err)
		assert.False(t, d.Allowed)
	})
}

func TestRateLimiter_BurstCheck(t *testing.T) {
	client, _ := setupTestRedis(t)
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(client, Config{BurstCheck: true, Burst: 2}, &now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Admit(ctx, "bursty", 60)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := limiter.Admit(ctx, "bursty", 60)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(3), d.CurrentCount)
	assert.Equal(t, 1, d.RetryAfterSeconds)

	// one token per second at 60/min
	now = now.Add(time.Second)
	d, err = limiter.Admit(ctx, "bursty", 60)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_BurstBucketOutlivesRefill(t *testing.T) {
	client, mr := setupTestRedis(t)
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(client, Config{BurstCheck: true, Burst: 300}, &now)
	ctx := context.Background()

	d, err := limiter.Admit(ctx, "slow", 60)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// 300 tokens at 60/min refill in five minutes
	assert.Equal(t, 300*time.Second, mr.TTL("test:rate_limit:bucket:slow:tokens"))
	assert.Equal(t, 300*time.Second, mr.TTL("test:rate_limit:bucket:slow:last"))
}

func TestBucketTTL(t *testing.T) {
	tests := []struct {
		rate, burst int
		want        int
	}{
		{60, 300, 300},
		{100, 200, 120},
		{7, 1, 9},
		{6000, 1, 1},
		{0, 10, 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bucketTTL(tt.rate, tt.burst), "rate %d burst %d", tt.rate, tt.burst)
	}
}

func TestRateLimiter_CurrentUsage(t *testing.T) {
	client, _ := setupTestRedis(t)
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(client, Config{}, &now)
	ctx := context.Background()

	usage, err := limiter.CurrentUsage(ctx, "test-usage")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)

	for i := 0; i < 3; i++ {
		_, err := limiter.Admit(ctx, "test-usage", 10)
		require.NoError(t, err)
	}

	usage, err = limiter.CurrentUsage(ctx, "test-usage")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage)
}

func TestRateLimiter_Reset(t *testing.T) {
	client, _ := setupTestRedis(t)
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(client, Config{BurstCheck: true, Burst: 5}, &now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Admit(ctx, "test-reset", 2)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := limiter.Admit(ctx, "test-reset", 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, limiter.Reset(ctx, "test-reset"))

	d, err = limiter.Admit(ctx, "test-reset", 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.CurrentCount)
}

func TestNoopLimiter(t *testing.T) {
	limiter := NewNoopLimiter()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d, err := limiter.Admit(ctx, "any-key", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
