package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue using a buffered channel
type MemoryQueue struct {
	items     chan Signal
	done      chan struct{}
	closeOnce sync.Once
	config    *Config
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig(config.QueueName).BatchSize
	}

	return &MemoryQueue{
		items:  make(chan Signal, config.BatchSize*10), // Buffer for 10 batches
		done:   make(chan struct{}),
		config: config,
	}
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Enqueue adds a signal to the queue, blocking while the buffer is full
func (q *MemoryQueue) Enqueue(ctx context.Context, sig Signal) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	select {
	case q.items <- sig:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue retrieves signals from the queue
func (q *MemoryQueue) Dequeue(ctx context.Context, maxItems int) ([]Signal, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}

	// Block until we get at least one signal
	var first Signal
	select {
	case first = <-q.items:
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return q.drain(first, maxItems), nil
}

// DequeueWithTimeout retrieves signals with a timeout
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]Signal, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first Signal
	select {
	case first = <-q.items:
	case <-timer.C:
		return []Signal{}, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return q.drain(first, maxItems), nil
}

// drain collects more signals without blocking
func (q *MemoryQueue) drain(first Signal, maxItems int) []Signal {
	items := []Signal{first}
	for len(items) < maxItems {
		select {
		case sig := <-q.items:
			items = append(items, sig)
		default:
			return items
		}
	}
	return items
}

// Length returns the current queue length
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	if q.isClosed() {
		return 0, ErrQueueClosed
	}
	return len(q.items), nil
}

// Close shuts down the queue. Buffered signals are discarded.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// MemoryDeadLetterQueue implements DeadLetterQueue using in-memory storage
type MemoryDeadLetterQueue struct {
	items  map[string]DeadLetterItem
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewMemoryDeadLetterQueue creates a new in-memory dead letter queue
func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{
		items: make(map[string]DeadLetterItem),
		now:   time.Now,
	}
}

// Add adds a failed signal to the dead letter queue
func (q *MemoryDeadLetterQueue) Add(ctx context.Context, sig Signal, retries int, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	item := newDeadLetterItem(sig, retries, err, q.now())
	q.items[item.ID] = item
	return nil
}

// List retrieves items from the dead letter queue
func (q *MemoryDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	items := make([]DeadLetterItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item)
	}
	return oldestFirst(items, maxItems), nil
}

// Get retrieves one item
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

// Close shuts down the dead letter queue
func (q *MemoryDeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}

func newDeadLetterItem(sig Signal, retries int, err error, now time.Time) DeadLetterItem {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DeadLetterItem{
		ID:        uuid.NewString(),
		Signal:    sig,
		Error:     msg,
		Timestamp: now,
		Retries:   retries,
	}
}

// oldestFirst sorts by timestamp and applies the limit
func oldestFirst(items []DeadLetterItem, maxItems int) []DeadLetterItem {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].ID < items[j].ID
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}
