package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signal(taskID string) Signal {
	return Signal{
		TaskID:       taskID,
		Outcome:      "success",
		ResultParams: map[string]any{"duration_seconds": float64(12)},
		ReceivedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSignal_Validate(t *testing.T) {
	assert.NoError(t, signal("t1").Validate())
	assert.Error(t, Signal{Outcome: "success"}.Validate())
	assert.Error(t, Signal{TaskID: "t1"}.Validate())
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, signal(fmt.Sprintf("task-%d", i))))
	}

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, length)

	items, err := q.Dequeue(ctx, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "task-0", items[0].TaskID)
	assert.Equal(t, float64(12), items[0].ResultParams["duration_seconds"])

	items, err = q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestMemoryQueue_DequeueWithTimeout(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()
	ctx := context.Background()

	start := time.Now()
	items, err := q.DequeueWithTimeout(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, q.Enqueue(ctx, signal("late")))
	items, err = q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "late", items[0].TaskID)
}

func TestMemoryQueue_ContextCancellation(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	ctx := context.Background()

	blocked := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, 1)
		blocked <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}

	assert.ErrorIs(t, q.Enqueue(ctx, signal("x")), ErrQueueClosed)
	_, err := q.Length(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueue_ConcurrentProducers(t *testing.T) {
	config := DefaultConfig("test")
	config.BatchSize = 10
	q := NewMemoryQueue(config)
	defer q.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, q.Enqueue(ctx, signal(fmt.Sprintf("p%d-%d", p, i))))
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for len(seen) < 50 {
		items, err := q.DequeueWithTimeout(ctx, 7, time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, items)
		for _, sig := range items {
			assert.False(t, seen[sig.TaskID], "duplicate %s", sig.TaskID)
			seen[sig.TaskID] = true
		}
	}
}

func TestMemoryDeadLetterQueue(t *testing.T) {
	dlq := NewMemoryDeadLetterQueue()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	dlq.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	require.NoError(t, dlq.Add(ctx, signal("first"), 3, errors.New("boom")))
	require.NoError(t, dlq.Add(ctx, signal("second"), 1, ErrMaxRetriesExceeded))

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "first", items[0].Signal.TaskID)
	assert.Equal(t, "boom", items[0].Error)
	assert.Equal(t, 3, items[0].Retries)
	assert.NotEmpty(t, items[0].ID)

	limited, err := dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	got, err := dlq.Get(ctx, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Signal.TaskID)

	require.NoError(t, dlq.Remove(ctx, items[0].ID))
	assert.ErrorIs(t, dlq.Remove(ctx, items[0].ID), ErrItemNotFound)
	_, err = dlq.Get(ctx, items[0].ID)
	assert.ErrorIs(t, err, ErrItemNotFound)

	require.NoError(t, dlq.Close())
	assert.ErrorIs(t, dlq.Add(ctx, signal("x"), 0, nil), ErrQueueClosed)
}
