// Package queue parks work that failed durably so an operator can inspect
// and replay it. Two backends are provided:
//
//  1. MemoryDeadLetterQueue: in-process, lost on restart. For development
//     and tests.
//  2. RedisDeadLetterQueue: a Redis hash under {prefix}:dlq:{name}, shared by
//     every process of a deployment and kept across restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DeadLetterQueue defines the interface for handling failed items
type DeadLetterQueue interface {
	// Add parks an item with the error that stopped it and returns its id
	Add(ctx context.Context, item any, err error) (string, error)

	// Get retrieves one parked item
	Get(ctx context.Context, id string) (*DeadLetterItem, error)

	// List retrieves up to maxItems items, oldest first (all when maxItems <= 0)
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// MarkRetried records a failed replay attempt
	MarkRetried(ctx context.Context, id string, err error) error

	// Remove removes an item from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Length returns the number of parked items
	Length(ctx context.Context) (int, error)

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// Decode unmarshals the parked payload into target
func (i *DeadLetterItem) Decode(target any) error {
	if err := json.Unmarshal(i.Payload, target); err != nil {
		return fmt.Errorf("failed to decode dead letter item %s: %w", i.ID, err)
	}
	return nil
}

func newItem(id string, item any, err error, now time.Time) (*DeadLetterItem, error) {
	payload, marshalErr := json.Marshal(item)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	return &DeadLetterItem{
		ID:        id,
		Payload:   payload,
		Error:     msg,
		Timestamp: now.UTC(),
	}, nil
}

func sortOldestFirst(items []DeadLetterItem) {
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].Timestamp.Equal(items[b].Timestamp) {
			return items[a].ID < items[b].ID
		}
		return items[a].Timestamp.Before(items[b].Timestamp)
	})
}

func limit(items []DeadLetterItem, maxItems int) []DeadLetterItem {
	if maxItems > 0 && len(items) > maxItems {
		return items[:maxItems]
	}
	return items
}
