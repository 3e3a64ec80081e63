// Package queue carries pushed settlement signals from external systems to
// the settlement worker. Two backends are available:
//
// 1. Memory Queue (in-memory, channel-based):
//   - No persistence, signals are lost on restart
//   - Suitable for single-process and development deployments
//
// 2. Redis Queue (Redis List-based):
//   - Persistent across restarts
//   - Shared by every worker process
//
// A lost signal is not a lost settlement: the reconciliation poller settles
// every pending task eventually. The queue only shortens the delay.
//
//	┌──────────────┐   Enqueue   ┌──────────────┐  Dequeue  ┌──────────────┐
//	│ Upstream     │────────────▶│ Settlement   │──────────▶│ Settlement   │
//	│ callback     │             │ Queue        │           │ Worker       │
//	└──────────────┘             └──────────────┘           └──────┬───────┘
//	                                                                │ retry with backoff
//	                                                        ┌───────┴───────┐
//	                                                        ▼               ▼
//	                                                 ┌────────────┐   ┌─────────┐
//	                                                 │ Engine     │   │ DLQ     │
//	                                                 │ Settle     │   └─────────┘
//	                                                 └────────────┘
package queue

import (
	"context"
	"fmt"
	"time"
)

// Signal is an upstream report that a task reached a terminal state
type Signal struct {
	TaskID       string         `json:"task_id"`
	Outcome      string         `json:"outcome"`
	ResultParams map[string]any `json:"result_params,omitempty"`
	ErrorInfo    string         `json:"error_info,omitempty"`
	ReceivedAt   time.Time      `json:"received_at"`
}

// Validate checks the fields every signal needs
func (s Signal) Validate() error {
	if s.TaskID == "" {
		return fmt.Errorf("signal: task_id is required")
	}
	if s.Outcome == "" {
		return fmt.Errorf("signal %s: outcome is required", s.TaskID)
	}
	return nil
}

// Queue defines the interface for signal queuing
type Queue interface {
	// Enqueue adds a signal to the queue
	Enqueue(ctx context.Context, sig Signal) error

	// Dequeue retrieves signals from the queue (up to maxItems)
	// Blocks until at least one signal is available or context is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]Signal, error)

	// DequeueWithTimeout retrieves signals with a timeout
	// Returns signals if available before timeout, empty slice otherwise
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]Signal, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue holds signals the worker gave up on
type DeadLetterQueue interface {
	// Add adds a failed signal to the dead letter queue with error info
	Add(ctx context.Context, sig Signal, retries int, err error) error

	// List retrieves items from the dead letter queue, oldest first
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Get retrieves one item
	Get(ctx context.Context, id string) (*DeadLetterItem, error)

	// Remove removes an item from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents a signal in the dead letter queue
type DeadLetterItem struct {
	ID        string    `json:"id"`
	Signal    Signal    `json:"signal"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// Backend names
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of signals to process in a batch
	BatchSize int `mapstructure:"batch_size"`

	// BatchTimeout is how long to wait for the first signal of a batch
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`

	// MaxRetries is the maximum number of retry attempts per signal
	MaxRetries int `mapstructure:"max_retries"`

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// Backend is "memory" or "redis"
	Backend string `mapstructure:"backend"`

	// QueueName is the name/key for the queue
	QueueName string `mapstructure:"name"`
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		Backend:      BackendMemory,
		QueueName:    queueName,
	}
}
