// Package cache is a JSON read-through cache over Redis for auxiliary data.
// Nothing here takes part in billing; store failures read as misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_metering/internal/metrics"
	"llm_metering/internal/utils"
)

// Cache stores JSON values under {prefix}:cache:{key}
type Cache struct {
	client     redis.UniversalClient
	keyPrefix  string
	defaultTTL time.Duration
	metrics    *metrics.Metrics
	logger     *utils.Logger
}

// New creates a cache facade. m may be nil.
func New(client redis.UniversalClient, prefix string, defaultTTL time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		client:     client,
		keyPrefix:  prefix + ":cache:",
		defaultTTL: defaultTTL,
		metrics:    m,
		logger:     utils.NewLogger("cache"),
	}
}

// Key returns the namespaced store key
func (c *Cache) Key(key string) string {
	return c.keyPrefix + key
}

// Get decodes the cached value into dest. Misses, store errors and
// undecodable values all report false.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	data, err := c.client.Get(ctx, c.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordCache("miss")
		return false
	}
	if err != nil {
		c.metrics.RecordCache("error")
		c.logger.Warn("Cache read failed, treating as miss", "key", key, "error", err)
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.metrics.RecordCache("error")
		c.logger.Warn("Cached value undecodable, treating as miss", "key", key, "error", err)
		return false
	}

	c.metrics.RecordCache("hit")
	return true
}

// Set stores value for ttl, or for the default TTL when ttl <= 0
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, c.Key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.Key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Failing to write the cache does not fail the call.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var value T
	if c.Get(ctx, key, &value) {
		return value, nil
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if err := c.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn("Cache write failed", "key", key, "error", err)
	}
	return value, nil
}
