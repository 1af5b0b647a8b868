package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for atomic token bucket check and update
var takeToken = redis.NewScript(`
	local tokens_key = KEYS[1]
	local last_refill_key = KEYS[2]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local cost = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local tokens = tonumber(redis.call('GET', tokens_key)) or burst
	local last_refill = tonumber(redis.call('GET', last_refill_key)) or now

	-- rate is per minute
	local elapsed = math.max(0, now - last_refill)
	tokens = math.min(burst, tokens + (elapsed / 60000) * rate)

	local allowed = 0
	if tokens >= cost then
		tokens = tokens - cost
		allowed = 1
	end

	redis.call('SET', tokens_key, tostring(tokens), 'EX', ttl)
	redis.call('SET', last_refill_key, tostring(now), 'EX', ttl)
	return allowed
`)

// TokenBucketLimiter is the secondary burst check composed after the fixed window
type TokenBucketLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewTokenBucketLimiter creates a new token bucket rate limiter
func NewTokenBucketLimiter(client redis.UniversalClient, prefix string) *TokenBucketLimiter {
	return &TokenBucketLimiter{client: client, prefix: prefix}
}

func (tbl *TokenBucketLimiter) keys(apiKey string) []string {
	key := fmt.Sprintf("%s:rate_limit:bucket:%s", tbl.prefix, apiKey)
	return []string{key + ":tokens", key + ":last"}
}

// bucketTTL is how long an idle bucket takes to refill from empty to burst.
// Its keys may expire only after that, since a missing key reads as full.
func bucketTTL(ratePerMinute, burst int) int {
	if ratePerMinute <= 0 || burst <= 0 {
		return 60
	}
	secs := (burst*60 + ratePerMinute - 1) / ratePerMinute
	return max(secs, 1)
}

// allowAt takes one token from the key's bucket, refilled at ratePerMinute up to burst
func (tbl *TokenBucketLimiter) allowAt(ctx context.Context, apiKey string, ratePerMinute, burst int, now time.Time) (bool, error) {
	result, err := takeToken.Run(ctx, tbl.client, tbl.keys(apiKey),
		ratePerMinute, burst, now.UnixMilli(), 1, bucketTTL(ratePerMinute, burst),
	).Int()
	if err != nil {
		return false, fmt.Errorf("token bucket check failed: %w", err)
	}
	return result == 1, nil
}

// Reset resets the token bucket for a key
func (tbl *TokenBucketLimiter) Reset(ctx context.Context, apiKey string) error {
	return tbl.client.Del(ctx, tbl.keys(apiKey)...).Err()
}
