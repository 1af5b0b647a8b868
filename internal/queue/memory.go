package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDeadLetterQueue implements DeadLetterQueue using in-memory storage
type MemoryDeadLetterQueue struct {
	items  map[string]DeadLetterItem
	mu     sync.RWMutex
	closed bool
}

// NewMemoryDeadLetterQueue creates a new in-memory dead letter queue
func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{
		items: make(map[string]DeadLetterItem),
	}
}

// Add adds a failed item to the dead letter queue
func (q *MemoryDeadLetterQueue) Add(ctx context.Context, item any, err error) (string, error) {
	dlItem, marshalErr := newItem(uuid.NewString(), item, err, time.Now())
	if marshalErr != nil {
		return "", marshalErr
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}

	q.items[dlItem.ID] = *dlItem
	return dlItem.ID, nil
}

// Get retrieves one parked item
func (q *MemoryDeadLetterQueue) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	item, ok := q.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &item, nil
}

// List retrieves items from the dead letter queue
func (q *MemoryDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	result := make([]DeadLetterItem, 0, len(q.items))
	for _, item := range q.items {
		result = append(result, item)
	}
	sortOldestFirst(result)
	return limit(result, maxItems), nil
}

// MarkRetried records a failed replay attempt
func (q *MemoryDeadLetterQueue) MarkRetried(ctx context.Context, id string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	item, ok := q.items[id]
	if !ok {
		return ErrItemNotFound
	}
	item.Retries++
	if err != nil {
		item.Error = err.Error()
	}
	q.items[id] = item
	return nil
}

// Remove removes an item from the dead letter queue
func (q *MemoryDeadLetterQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if _, ok := q.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(q.items, id)
	return nil
}

// Length returns the number of parked items
func (q *MemoryDeadLetterQueue) Length(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	return len(q.items), nil
}

// Close shuts down the dead letter queue
func (q *MemoryDeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}
