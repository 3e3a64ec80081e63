package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using a Redis list. The client is shared and
// owned by the caller.
type RedisQueue struct {
	client *redis.Client
	config *Config
	qKey   string
}

// NewRedisQueue creates a new Redis-backed queue
func NewRedisQueue(client *redis.Client, config *Config) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	return &RedisQueue{
		client: client,
		config: config,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
	}, nil
}

// Enqueue adds a signal to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// Dequeue retrieves signals from the queue
func (q *RedisQueue) Dequeue(ctx context.Context, maxItems int) ([]Signal, error) {
	// Block until at least one signal is available
	result, err := q.client.BLPop(ctx, 0, q.qKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}
	return q.collect(ctx, result[1], maxItems)
}

// DequeueWithTimeout retrieves signals with a timeout
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]Signal, error) {
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []Signal{}, nil // Timeout, no signals
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}
	// result[0] is the key, result[1] is the value
	return q.collect(ctx, result[1], maxItems)
}

// collect decodes the first payload and pops more without blocking.
// Undecodable payloads are dropped; the poller still settles their tasks.
func (q *RedisQueue) collect(ctx context.Context, first string, maxItems int) ([]Signal, error) {
	items := make([]Signal, 0, maxItems)
	if sig, err := decodeSignal(first); err == nil {
		items = append(items, sig)
	}

	for len(items) < maxItems {
		raw, err := q.client.LPop(ctx, q.qKey).Result()
		if err != nil {
			break // redis.Nil or transient error: return what we have so far
		}
		if sig, err := decodeSignal(raw); err == nil {
			items = append(items, sig)
		}
	}
	return items, nil
}

func decodeSignal(raw string) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		return Signal{}, fmt.Errorf("failed to unmarshal signal: %w", err)
	}
	return sig, nil
}

// Length returns the current queue length
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close is a no-op; the shared client is closed by its owner
func (q *RedisQueue) Close() error {
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash
type RedisDeadLetterQueue struct {
	client *redis.Client
	dlKey  string
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue
func NewRedisDeadLetterQueue(client *redis.Client, config *Config) (*RedisDeadLetterQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", config.QueueName),
	}, nil
}

// Add adds a failed signal to the dead letter queue
func (q *RedisDeadLetterQueue) Add(ctx context.Context, sig Signal, retries int, err error) error {
	item := newDeadLetterItem(sig, retries, err, time.Now())

	data, marshalErr := json.Marshal(item)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, item.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

// List retrieves items from the dead letter queue
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var item DeadLetterItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			continue // Skip malformed items
		}
		items = append(items, item)
	}
	return oldestFirst(items, maxItems), nil
}

// Get retrieves one item
func (q *RedisDeadLetterQueue) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	data, err := q.client.HGet(ctx, q.dlKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter item: %w", err)
	}

	var item DeadLetterItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter item: %w", err)
	}
	return &item, nil
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

// Close is a no-op; the shared client is closed by its owner
func (q *RedisDeadLetterQueue) Close() error {
	return nil
}
