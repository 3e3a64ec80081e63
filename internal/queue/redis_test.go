package queue

import (
	"context"
	"errors"
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
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewRedisQueue_RequiresClient(t *testing.T) {
	_, err := NewRedisQueue(nil, DefaultConfig("x"))
	assert.Error(t, err)

	_, err = NewRedisDeadLetterQueue(nil, DefaultConfig("x"))
	assert.Error(t, err)
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	client, mr := setupTestRedis(t)
	q, err := NewRedisQueue(client, DefaultConfig("settlements"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signal("task-1")))
	require.NoError(t, q.Enqueue(ctx, signal("task-2")))
	require.NoError(t, q.Enqueue(ctx, signal("task-3")))

	assert.True(t, mr.Exists("queue:settlements"))
	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, length)

	items, err := q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "task-1", items[0].TaskID)
	assert.Equal(t, "success", items[0].Outcome)
	assert.Equal(t, float64(12), items[0].ResultParams["duration_seconds"])
	assert.True(t, items[0].ReceivedAt.Equal(signal("task-1").ReceivedAt))

	items, err = q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "task-3", items[0].TaskID)
}

func TestRedisQueue_DequeueWithTimeoutEmpty(t *testing.T) {
	client, _ := setupTestRedis(t)
	q, err := NewRedisQueue(client, DefaultConfig("empty"))
	require.NoError(t, err)

	items, err := q.DequeueWithTimeout(context.Background(), 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRedisQueue_SkipsMalformedPayloads(t *testing.T) {
	client, mr := setupTestRedis(t)
	q, err := NewRedisQueue(client, DefaultConfig("mixed"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = mr.Push("queue:mixed", "{not json")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, signal("good")))

	items, err := q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "good", items[0].TaskID)
}

func TestRedisDeadLetterQueue(t *testing.T) {
	client, mr := setupTestRedis(t)
	dlq, err := NewRedisDeadLetterQueue(client, DefaultConfig("settlements"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, dlq.Add(ctx, signal("task-1"), 3, errors.New("settle failed")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, dlq.Add(ctx, signal("task-2"), 3, ErrMaxRetriesExceeded))
	assert.True(t, mr.Exists("dlq:settlements"))

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "task-1", items[0].Signal.TaskID)
	assert.Equal(t, "settle failed", items[0].Error)
	assert.Equal(t, 3, items[0].Retries)

	got, err := dlq.Get(ctx, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "task-2", got.Signal.TaskID)

	require.NoError(t, dlq.Remove(ctx, items[0].ID))
	assert.ErrorIs(t, dlq.Remove(ctx, items[0].ID), ErrItemNotFound)
	_, err = dlq.Get(ctx, items[0].ID)
	assert.ErrorIs(t, err, ErrItemNotFound)

	items, err = dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
