package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"usage_ledger/internal/billing"
	"usage_ledger/internal/metrics"
	"usage_ledger/internal/queue"
	"usage_ledger/internal/utils"
)

// SettlementWorker settles tasks from pushed completion signals
type SettlementWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	settler     Settler
	config      *queue.Config
	metrics     metrics.Recorder
	logger      *utils.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	startOnce   sync.Once
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewSettlementWorker creates a new settlement worker
func NewSettlementWorker(q queue.Queue, dlq queue.DeadLetterQueue, settler Settler, config *queue.Config, rec metrics.Recorder) *SettlementWorker {
	if config == nil {
		config = queue.DefaultConfig("settlements")
	}
	if rec == nil {
		rec = metrics.Noop{}
	}

	return &SettlementWorker{
		queue:       q,
		dlq:         dlq,
		settler:     settler,
		config:      config,
		metrics:     rec,
		logger:      utils.NewLogger("settlement-worker"),
		sleep:       sleepContext,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *SettlementWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() { go w.run(ctx) })
}

// Stop gracefully stops the worker after the current batch
func (w *SettlementWorker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stoppedChan
	return nil
}

// Enqueue validates and queues a completion signal
func (w *SettlementWorker) Enqueue(ctx context.Context, sig queue.Signal) error {
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidPayload, err)
	}
	if !billing.Outcome(sig.Outcome).IsValid() {
		return fmt.Errorf("%w: unknown outcome %q", billing.ErrInvalidPayload, sig.Outcome)
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}
	return w.queue.Enqueue(ctx, sig)
}

// run is the main worker loop
func (w *SettlementWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Settlement worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Settlement worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// processBatch settles a batch of signals
func (w *SettlementWorker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
			_ = w.sleep(ctx, 100*time.Millisecond)
			return
		}
		w.logger.Error("Failed to dequeue settlement signals", "error", err)
		_ = w.sleep(ctx, time.Second) // Back off on error
		return
	}

	if len(items) == 0 {
		return
	}

	w.logger.Debug("Processing settlement batch", "count", len(items))
	for _, sig := range items {
		if err := w.processSignal(ctx, sig); err != nil {
			w.logger.Error("Failed to process settlement signal", "task_id", sig.TaskID, "error", err)
		}
	}
}

// processSignal settles one signal with retries. Unknown tasks and invalid
// signals are not retried.
func (w *SettlementWorker) processSignal(ctx context.Context, sig queue.Signal) error {
	req := billing.SettleRequest{
		TaskID:       sig.TaskID,
		Outcome:      billing.Outcome(sig.Outcome),
		ResultParams: sig.ResultParams,
		ErrorInfo:    sig.ErrorInfo,
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying settlement signal", "task_id", sig.TaskID, "attempt", attempt, "backoff", backoff)
			if err := w.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}
		attempts++

		result, err := w.settler.Settle(ctx, req)
		if err == nil {
			w.logger.Debug("Settlement signal processed",
				"task_id", sig.TaskID,
				"status", result.Status,
				"already_terminal", result.AlreadyTerminal,
			)
			return nil
		}
		lastErr = err
		if errors.Is(err, billing.ErrNotFound) || errors.Is(err, billing.ErrInvalidPayload) {
			break
		}
		w.logger.Warn("Settlement attempt failed", "task_id", sig.TaskID, "attempt", attempt, "error", err)
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, sig, attempts, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "task_id", sig.TaskID, "error", err)
		} else {
			w.metrics.DeadLettered()
			w.logger.Warn("Settlement signal moved to DLQ", "task_id", sig.TaskID, "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr)
}

// GetQueueLength returns the current queue length
func (w *SettlementWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *SettlementWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem moves a dead-lettered signal back onto the queue
func (w *SettlementWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	item, err := w.dlq.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get dead letter item %s: %w", id, err)
	}

	if err := w.queue.Enqueue(ctx, item.Signal); err != nil {
		return fmt.Errorf("failed to re-enqueue signal: %w", err)
	}
	if err := w.dlq.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove from DLQ: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
