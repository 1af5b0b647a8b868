package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the shared connection behind the rate limiter, the dead
// letter queue and the auxiliary cache. Every key lives under Prefix.
type RedisClient struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string // host:port
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Keys are written as {Prefix}:{purpose}:{id}
	Prefix string
}

// NewRedisClient connects and verifies the connection with a bounded ping
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisClient, error) {
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("redis key prefix is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &RedisClient{client: client, prefix: cfg.Prefix}, nil
}

// Close closes the connection pool
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Health round-trips a unique probe key so a read-only replica or a full
// instance is reported, not just an open socket.
func (r *RedisClient) Health(ctx context.Context) error {
	key := fmt.Sprintf("%s:health:%s", r.prefix, uuid.NewString())
	token := uuid.NewString()

	if err := r.client.Set(ctx, key, token, 5*time.Second).Err(); err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	defer r.client.Del(context.WithoutCancel(ctx), key)

	got, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis read failed: %w", err)
	}
	if got != token {
		return fmt.Errorf("redis probe mismatch on %s", key)
	}
	return nil
}

// Client returns the underlying client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Prefix returns the key namespace
func (r *RedisClient) Prefix() string {
	return r.prefix
}
