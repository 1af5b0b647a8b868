package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash keyed by item id.
// The client is owned by the caller.
type RedisDeadLetterQueue struct {
	client redis.UniversalClient
	dlKey  string
}

// NewRedisDeadLetterQueue creates a Redis-backed dead letter queue at {prefix}:dlq:{name}
func NewRedisDeadLetterQueue(client redis.UniversalClient, prefix, name string) *RedisDeadLetterQueue {
	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("%s:dlq:%s", prefix, name),
	}
}

// Key returns the Redis hash holding the items
func (q *RedisDeadLetterQueue) Key() string {
	return q.dlKey
}

// Add adds a failed item to the dead letter queue
func (q *RedisDeadLetterQueue) Add(ctx context.Context, item any, err error) (string, error) {
	dlItem, marshalErr := newItem(uuid.NewString(), item, err, time.Now())
	if marshalErr != nil {
		return "", marshalErr
	}

	if err := q.put(ctx, dlItem); err != nil {
		return "", fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return dlItem.ID, nil
}

func (q *RedisDeadLetterQueue) put(ctx context.Context, item *DeadLetterItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", err)
	}
	return q.client.HSet(ctx, q.dlKey, item.ID, data).Err()
}

// Get retrieves one parked item
func (q *RedisDeadLetterQueue) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	data, err := q.client.HGet(ctx, q.dlKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter item: %w", err)
	}

	var item DeadLetterItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter item %s: %w", id, err)
	}
	return &item, nil
}

// List retrieves items from the dead letter queue
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var dlItem DeadLetterItem
		if err := json.Unmarshal([]byte(data), &dlItem); err != nil {
			continue // Skip malformed items
		}
		items = append(items, dlItem)
	}

	sortOldestFirst(items)
	return limit(items, maxItems), nil
}

// MarkRetried records a failed replay attempt
func (q *RedisDeadLetterQueue) MarkRetried(ctx context.Context, id string, err error) error {
	item, getErr := q.Get(ctx, id)
	if getErr != nil {
		return getErr
	}

	item.Retries++
	if err != nil {
		item.Error = err.Error()
	}

	if err := q.put(ctx, item); err != nil {
		return fmt.Errorf("failed to update dead letter item: %w", err)
	}
	return nil
}

// Remove removes an item from the dead letter queue
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	n, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Length returns the number of parked items
func (q *RedisDeadLetterQueue) Length(ctx context.Context) (int, error) {
	n, err := q.client.HLen(ctx, q.dlKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get dead letter queue length: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the Redis client belongs to the caller
func (q *RedisDeadLetterQueue) Close() error {
	return nil
}
