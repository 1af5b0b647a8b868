package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_metering/internal/utils"
)

// ErrRateLimitExceeded is returned by Decision.Err when admission was denied
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const windowSeconds = 60

// Decision is the outcome of one admission check
type Decision struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int
	RetryAfterSeconds int
}

// Err returns ErrRateLimitExceeded for denied decisions
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %d requests in window, limit %d", ErrRateLimitExceeded, d.CurrentCount, d.Limit)
}

// Limiter is used to enforce per-key rate limits.
type Limiter interface {
	Admit(ctx context.Context, apiKey string, limitPerMinute int) (Decision, error)
}

// NoopLimiter allows all requests.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Admit(ctx context.Context, apiKey string, limitPerMinute int) (Decision, error) {
	return Decision{Allowed: true, Limit: limitPerMinute}, nil
}

// incrWindow increments the window counter and sets its expiry in one step.
var incrWindow = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// Config holds rate limiter settings
type Config struct {
	Prefix     string
	Timeout    time.Duration // admission slower than this is denied
	BurstCheck bool          // compose the token bucket after the fixed window
	Burst      int
}

// RateLimiter is a fixed one-minute window limiter backed by Redis.
// The window key embeds floor(now/60), so a counter that lost its expiry is
// never consulted again after its minute has passed.
type RateLimiter struct {
	client redis.UniversalClient
	cfg    Config
	bucket *TokenBucketLimiter
	now    func() time.Time
	logger *utils.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client redis.UniversalClient, cfg Config) *RateLimiter {
	rl := &RateLimiter{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		logger: utils.NewLogger("ratelimit"),
	}
	if cfg.BurstCheck && cfg.Burst > 0 {
		rl.bucket = NewTokenBucketLimiter(client, cfg.Prefix)
	}
	return rl
}

func (rl *RateLimiter) windowKey(apiKey string, now time.Time) string {
	return fmt.Sprintf("%s:rate_limit:%s:%d", rl.cfg.Prefix, apiKey, now.Unix()/windowSeconds)
}

// Admit counts one request against the key's current window.
// A limit <= 0 disables limiting. Any store error or timeout denies.
func (rl *RateLimiter) Admit(ctx context.Context, apiKey string, limitPerMinute int) (Decision, error) {
	if limitPerMinute <= 0 {
		return Decision{Allowed: true, Limit: limitPerMinute}, nil
	}

	if rl.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rl.cfg.Timeout)
		defer cancel()
	}

	now := rl.now()
	denied := Decision{Allowed: false, Limit: limitPerMinute, RetryAfterSeconds: retryAfter(now)}

	count, err := incrWindow.Run(ctx, rl.client, []string{rl.windowKey(apiKey, now)}, windowSeconds).Int64()
	if err != nil {
		rl.logger.Warn("Admission check failed, denying", "api_key", apiKey, "error", err)
		return denied, fmt.Errorf("rate limit check failed: %w", err)
	}

	d := Decision{
		Allowed:      count <= int64(limitPerMinute),
		CurrentCount: count,
		Limit:        limitPerMinute,
	}
	if !d.Allowed {
		d.RetryAfterSeconds = retryAfter(now)
		return d, nil
	}

	if rl.bucket != nil {
		ok, err := rl.bucket.allowAt(ctx, apiKey, limitPerMinute, rl.cfg.Burst, now)
		if err != nil {
			denied.CurrentCount = count
			rl.logger.Warn("Burst check failed, denying", "api_key", apiKey, "error", err)
			return denied, err
		}
		if !ok {
			d.Allowed = false
			d.RetryAfterSeconds = max(1, windowSeconds/limitPerMinute)
		}
	}

	return d, nil
}

// CurrentUsage returns the request count of the key's current window, 0 if none.
func (rl *RateLimiter) CurrentUsage(ctx context.Context, apiKey string) (int64, error) {
	count, err := rl.client.Get(ctx, rl.windowKey(apiKey, rl.now())).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get current usage: %w", err)
	}
	return count, nil
}

// Reset clears the key's current window and burst bucket
func (rl *RateLimiter) Reset(ctx context.Context, apiKey string) error {
	if err := rl.client.Del(ctx, rl.windowKey(apiKey, rl.now())).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	if rl.bucket != nil {
		return rl.bucket.Reset(ctx, apiKey)
	}
	return nil
}

func retryAfter(now time.Time) int {
	return windowSeconds - int(now.Unix()%windowSeconds)
}
