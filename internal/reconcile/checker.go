// Package reconcile settles pending tasks from upstream status: on demand
// (Checker), on a schedule (Poller) and from pushed signals (SettlementWorker).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"usage_ledger/internal/billing"
	"usage_ledger/internal/metrics"
	"usage_ledger/internal/models"
	"usage_ledger/internal/providers"
	"usage_ledger/internal/utils"
)

const (
	reasonExpired  = "expired"
	reasonNotFound = "not_found: task unknown upstream"
)

// Settler is the part of the billing engine reconciliation drives
type Settler interface {
	Settle(ctx context.Context, req billing.SettleRequest) (*billing.SettlementResult, error)
	GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error)
}

// Resolver finds the status provider for a capability
type Resolver interface {
	Resolve(capabilityID string) (providers.StatusProvider, error)
}

// CheckResult is the outcome of one status check
type CheckResult struct {
	TaskID   string            `json:"task_id"`
	Status   models.TaskStatus `json:"status"`
	Upstream providers.Status  `json:"upstream,omitempty"`

	// Settlement is set when the check changed or replayed the task state
	Settlement *billing.SettlementResult `json:"settlement,omitempty"`
}

// Settled reports whether the task is terminal after the check
func (r *CheckResult) Settled() bool {
	return r.Status.IsTerminal()
}

// Checker queries the upstream for one task and settles it when the answer
// is terminal
type Checker struct {
	settler       Settler
	resolver      Resolver
	metrics       metrics.Recorder
	logger        *utils.Logger
	queryTimeout  time.Duration
	notFoundGrace time.Duration
	now           func() time.Time
}

// NewChecker creates a checker
func NewChecker(settler Settler, resolver Resolver, cfg Config, rec metrics.Recorder) *Checker {
	cfg = cfg.withDefaults()
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Checker{
		settler:       settler,
		resolver:      resolver,
		metrics:       rec,
		logger:        utils.NewLogger("status-checker"),
		queryTimeout:  cfg.QueryTimeout,
		notFoundGrace: cfg.NotFoundGrace,
		now:           time.Now,
	}
}

// Check is the synchronous status path. A task that is already terminal is
// returned without querying the upstream. ErrExternalUnavailable means the
// status is unknown and the task stays pending.
func (c *Checker) Check(ctx context.Context, taskID string) (*CheckResult, error) {
	task, err := c.settler.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return &CheckResult{TaskID: task.TaskID, Status: task.Status}, nil
	}
	return c.check(ctx, task)
}

func (c *Checker) check(ctx context.Context, task *models.TaskRecord) (*CheckResult, error) {
	status, err := c.query(ctx, task)
	if err != nil {
		return nil, err
	}

	result := &CheckResult{TaskID: task.TaskID, Status: task.Status, Upstream: status.Status}
	req, ok := c.classify(task, status)
	if !ok {
		return result, nil
	}

	settlement, err := c.settler.Settle(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to settle task %s: %w", task.TaskID, err)
	}
	result.Status = settlement.Status
	result.Settlement = settlement
	return result, nil
}

// query asks the upstream with a bounded timeout
func (c *Checker) query(ctx context.Context, task *models.TaskRecord) (*providers.TaskStatus, error) {
	provider, err := c.resolver.Resolve(task.CapabilityID)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.TaskID, err)
	}

	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	start := time.Now()
	status, err := provider.QueryStatus(qctx, task.StatusKey())
	elapsed := time.Since(start)

	switch {
	case err == nil:
		c.metrics.StatusQuery(string(status.Status), elapsed)
		return status, nil
	case errors.Is(err, providers.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		c.metrics.StatusQuery("unavailable", elapsed)
		c.logger.Debug("Upstream status unknown", "task_id", task.TaskID, "provider", provider.ID(), "error", err)
		return nil, fmt.Errorf("%w: task %s: %v", billing.ErrExternalUnavailable, task.TaskID, err)
	default:
		c.metrics.StatusQuery("error", elapsed)
		return nil, fmt.Errorf("status query for task %s failed: %w", task.TaskID, err)
	}
}

// classify turns an upstream status into a settle request. ok is false while
// the task should stay pending.
func (c *Checker) classify(task *models.TaskRecord, status *providers.TaskStatus) (billing.SettleRequest, bool) {
	req := billing.SettleRequest{TaskID: task.TaskID}

	switch status.Status {
	case providers.StatusSucceeded:
		req.Outcome = billing.OutcomeSuccess
		req.ResultParams = status.ResultParams
		return req, true
	case providers.StatusFailed:
		req.Outcome = billing.OutcomeFailure
		req.ResultParams = status.ResultParams
		req.ErrorInfo = status.Error
		if req.ErrorInfo == "" {
			req.ErrorInfo = "upstream reported failure"
		}
		return req, true
	case providers.StatusNotFound:
		// Submission may not be visible upstream yet
		if c.now().Sub(task.CreatedAt) < c.notFoundGrace {
			return req, false
		}
		req.Outcome = billing.OutcomeFailure
		req.ErrorInfo = reasonNotFound
		return req, true
	default:
		return req, false
	}
}
