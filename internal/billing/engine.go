// Package billing decides whether a feature invocation is free or paid,
// registers it as a pending task and settles it exactly once.
//
// Every state transition runs under a per-task lock inside one store
// transaction. Store writes are version-checked; an operation that loses a
// race is re-run from a fresh read.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"usage_ledger/internal/catalog"
	"usage_ledger/internal/lock"
	"usage_ledger/internal/metrics"
	"usage_ledger/internal/models"
	"usage_ledger/internal/storage"
	"usage_ledger/internal/utils"
)

// Config holds engine settings
type Config struct {
	// MaxConflictRetries is how many times an operation is re-run after a
	// concurrent modification before ErrPersistenceConflict is returned
	MaxConflictRetries int

	// LockTimeout bounds the wait for a per-task lock
	LockTimeout time.Duration
}

// DefaultConfig returns default engine settings
func DefaultConfig() Config {
	return Config{
		MaxConflictRetries: 3,
		LockTimeout:        10 * time.Second,
	}
}

// Option customizes an Engine
type Option func(*Engine)

// WithLocker replaces the in-process keyed mutex
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the billing core
type Engine struct {
	catalog catalog.Catalog
	store   storage.Store
	locker  lock.Locker
	metrics metrics.Recorder
	logger  *utils.Logger
	now     func() time.Time
	config  Config

	mu       sync.RWMutex
	refunder FailureRefunder
}

// NewEngine creates a billing engine
func NewEngine(cat catalog.Catalog, store storage.Store, config Config, opts ...Option) *Engine {
	if config.MaxConflictRetries < 0 {
		config.MaxConflictRetries = 0
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = DefaultConfig().LockTimeout
	}

	e := &Engine{
		catalog: cat,
		store:   store,
		locker:  lock.NewKeyedMutex(),
		metrics: metrics.Noop{},
		logger:  utils.NewLogger("billing-engine"),
		now:     time.Now,
		config:  config,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetFailureRefunder installs the automatic refund path for failed tasks
func (e *Engine) SetFailureRefunder(r FailureRefunder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refunder = r
}

func (e *Engine) failureRefunder() FailureRefunder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.refunder
}

// Admit registers a pending task and debits its planned cost when the
// capability charges at admission and the task is not free.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (*AdmissionDecision, error) {
	if req.UserID == "" || req.CapabilityID == "" || req.IdempotencyToken == "" {
		return nil, fmt.Errorf("%w: user, capability and idempotency token are required", ErrInvalidPayload)
	}

	capability, err := e.catalog.Lookup(req.CapabilityID)
	if err != nil {
		e.metrics.Admission(req.CapabilityID, "rejected")
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}

	planned, err := capability.Pricing.Planned(req.Payload, capability.Estimate)
	if err != nil {
		e.metrics.Admission(req.CapabilityID, "rejected")
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	unlock, err := e.acquire(ctx, req.IdempotencyToken)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var decision *AdmissionDecision
	err = e.withRetry(ctx, "admit", func() error {
		decision = nil
		return e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			existing, err := tx.GetTask(ctx, req.IdempotencyToken)
			if err == nil {
				if existing.UserID != req.UserID || existing.CapabilityID != req.CapabilityID {
					return fmt.Errorf("%w: task %s", ErrIdempotencyMismatch, req.IdempotencyToken)
				}
				decision = decisionFromTask(existing, true)
				return nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}

			ledger, err := tx.GetOrCreateLedger(ctx, req.UserID, req.CapabilityID)
			if err != nil {
				return err
			}

			task := &models.TaskRecord{
				TaskID:       req.IdempotencyToken,
				LedgerID:     ledger.ID,
				UserID:       req.UserID,
				CapabilityID: req.CapabilityID,
				Status:       models.TaskPending,
				PlannedCost:  planned,
				IsFree:       isFree(capability, ledger.Tasks, "", true),
				Payload:      models.JSONB(req.Payload).Clone(),
				CreatedAt:    e.now().UTC(),
			}

			if !task.IsFree && !capability.IsDeferred() && planned > 0 {
				if err := tx.Debit(ctx, req.UserID, planned); err != nil {
					if errors.Is(err, storage.ErrInsufficientFunds) {
						return fmt.Errorf("%w: %d credits required", ErrInsufficientCredits, planned)
					}
					return err
				}
				task.ChargedAmount = planned
			}

			if err := tx.InsertTask(ctx, task); err != nil {
				if errors.Is(err, storage.ErrTaskExists) {
					// Lost a race with another process; the retry replays its decision
					return storage.ErrConflict
				}
				return err
			}

			// Bumping the ledger version serializes concurrent admissions on
			// the same ledger, so two of them cannot both take the last free slot
			if err := tx.SaveLedger(ctx, ledger); err != nil {
				return err
			}

			decision = decisionFromTask(task, false)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			e.metrics.Admission(req.CapabilityID, "rejected")
		}
		e.logger.Warn("Admission failed",
			"task_id", req.IdempotencyToken,
			"user_id", req.UserID,
			"capability_id", req.CapabilityID,
			"error", err,
		)
		return nil, err
	}

	e.metrics.Admission(req.CapabilityID, admissionOutcome(capability, decision))
	e.logger.Info("Task admitted",
		"task_id", decision.TaskID,
		"user_id", req.UserID,
		"capability_id", req.CapabilityID,
		"is_free", decision.IsFree,
		"charged", decision.Charged,
		"replayed", decision.Replayed,
	)
	return decision, nil
}

func admissionOutcome(c *catalog.Capability, d *AdmissionDecision) string {
	switch {
	case d.Replayed:
		return "replayed"
	case d.IsFree:
		return "free"
	case c.IsDeferred():
		return "deferred"
	}
	return "charged"
}

func decisionFromTask(t *models.TaskRecord, replayed bool) *AdmissionDecision {
	return &AdmissionDecision{
		TaskID:      t.TaskID,
		Accepted:    true,
		PlannedCost: t.PlannedCost,
		IsFree:      t.IsFree,
		Charged:     t.ChargedAmount,
		Replayed:    replayed,
	}
}

// Settle applies a terminal outcome to a pending task. Settling a terminal
// task returns its current state and changes nothing.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	if req.TaskID == "" || !req.Outcome.IsValid() {
		return nil, fmt.Errorf("%w: task id and a valid outcome are required", ErrInvalidPayload)
	}

	result, refundNeeded, err := e.settle(ctx, req)
	if err != nil {
		e.logger.Error("Settlement failed", "task_id", req.TaskID, "outcome", req.Outcome, "error", err)
		return nil, err
	}

	if refundNeeded {
		if r := e.failureRefunder(); r != nil {
			reason := "task failed"
			if req.ErrorInfo != "" {
				reason = "task failed: " + req.ErrorInfo
			}
			if err := r.RefundFailed(ctx, req.TaskID, reason); err != nil {
				// Left for the reconciliation sweep
				e.logger.Error("Automatic refund failed", "task_id", req.TaskID, "error", err)
			} else {
				result.RefundTriggered = true
			}
		}
	}
	return result, nil
}

func (e *Engine) settle(ctx context.Context, req SettleRequest) (*SettlementResult, bool, error) {
	unlock, err := e.acquire(ctx, req.TaskID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var (
		result       *SettlementResult
		refundNeeded bool
		capabilityID string
	)
	err = e.withRetry(ctx, "settle", func() error {
		result, refundNeeded = nil, false
		return e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			task, err := tx.GetTask(ctx, req.TaskID)
			if err != nil {
				return mapNotFound(err, req.TaskID)
			}
			capabilityID = task.CapabilityID

			ledger, err := tx.GetLedger(ctx, task.UserID, task.CapabilityID)
			if err != nil {
				return err
			}

			if task.Status.IsTerminal() {
				result = resultFromTask(task, ledger, true)
				return nil
			}

			now := e.now().UTC()
			task.CompletedAt = &now
			task.ResultParams = models.JSONB(req.ResultParams).Clone()

			if req.Outcome == OutcomeFailure {
				task.Status = models.TaskFailed
				task.CreditCost = 0
				if req.ErrorInfo != "" {
					info := req.ErrorInfo
					task.ErrorInfo = &info
				}
				if err := tx.UpdateTask(ctx, task); err != nil {
					return err
				}
				refundNeeded = task.Debited() && !task.Refunded
				result = resultFromTask(task, ledger, false)
				return nil
			}

			cost, info, err := e.completionCost(ctx, tx, ledger, task)
			if err != nil {
				return err
			}
			task.Status = models.TaskCompleted
			task.CreditCost = cost
			task.ErrorInfo = info
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}

			ledger.UsageCount++
			ledger.TotalCreditsConsumed += cost
			if err := tx.SaveLedger(ctx, ledger); err != nil {
				return err
			}
			result = resultFromTask(task, ledger, false)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}

	status := string(result.Status)
	if result.AlreadyTerminal {
		status = "already_terminal"
	}
	e.metrics.Settlement(capabilityID, status, result.FinalCost)
	e.logger.Info("Task settled",
		"task_id", req.TaskID,
		"capability_id", capabilityID,
		"status", result.Status,
		"final_cost", result.FinalCost,
		"already_terminal", result.AlreadyTerminal,
	)
	return result, refundNeeded, nil
}

// completionCost decides the billed cost of a successful task and performs
// the settlement debit when the capability charges at settlement. It never
// bills more than was, or could be, collected.
func (e *Engine) completionCost(ctx context.Context, tx storage.Tx, ledger *models.UsageLedger, task *models.TaskRecord) (int64, *string, error) {
	capability, err := e.catalog.Lookup(task.CapabilityID)
	if err != nil {
		// Capability was removed after admission; keep whatever was collected
		return task.ChargedAmount, errorInfo("catalog", err.Error()), nil
	}

	if !capability.IsDeferred() {
		if task.IsFree {
			return 0, nil, nil
		}
		cost, err := capability.Pricing.Final(task.PlannedCost, task.ResultParams)
		if err != nil {
			return task.ChargedAmount, errorInfo("pricing", err.Error()), nil
		}
		if cost != task.ChargedAmount {
			e.logger.Warn("Final cost differs from admission debit, billing the debited amount",
				"task_id", task.TaskID, "final_cost", cost, "charged", task.ChargedAmount)
		}
		return task.ChargedAmount, nil, nil
	}

	task.IsFree = isFree(capability, ledger.Tasks, task.TaskID, false)
	if task.IsFree {
		return 0, nil, nil
	}

	cost, err := capability.Pricing.Final(task.PlannedCost, task.ResultParams)
	if err != nil {
		return 0, errorInfo("pricing", err.Error()), nil
	}
	if cost == 0 {
		return 0, nil, nil
	}

	if err := tx.Debit(ctx, task.UserID, cost); err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			e.logger.Warn("Deferred charge uncollected",
				"task_id", task.TaskID, "user_id", task.UserID, "amount", cost)
			return 0, errorInfo("uncollected", fmt.Sprintf("%d", cost)), nil
		}
		return 0, nil, err
	}
	task.ChargedAmount = cost
	return cost, nil, nil
}

func errorInfo(kind, detail string) *string {
	s := kind + ":" + detail
	return &s
}

func resultFromTask(t *models.TaskRecord, l *models.UsageLedger, alreadyTerminal bool) *SettlementResult {
	return &SettlementResult{
		TaskID:          t.TaskID,
		Status:          t.Status,
		FinalCost:       t.CreditCost,
		IsFree:          t.IsFree,
		UsageCount:      l.UsageCount,
		AlreadyTerminal: alreadyTerminal,
	}
}

// Refund returns the credits debited for a settled task. Refunding a
// completed task also removes it from the ledger counters.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrInvalidPayload)
	}
	if req.Source == "" {
		req.Source = models.RefundAdministrative
	}

	unlock, err := e.acquire(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *RefundResult
	err = e.withRetry(ctx, "refund", func() error {
		result = nil
		return e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			task, err := tx.GetTask(ctx, req.TaskID)
			if err != nil {
				return mapNotFound(err, req.TaskID)
			}
			switch {
			case task.Refunded:
				return fmt.Errorf("%w: task %s", ErrAlreadyRefunded, req.TaskID)
			case task.Status == models.TaskPending:
				return fmt.Errorf("%w: task %s", ErrTaskPending, req.TaskID)
			case !task.Debited():
				return fmt.Errorf("%w: task %s", ErrNothingToRefund, req.TaskID)
			}

			ledger, err := tx.GetLedger(ctx, task.UserID, task.CapabilityID)
			if err != nil {
				return err
			}

			amount := task.ChargedAmount
			if err := tx.Credit(ctx, task.UserID, amount); err != nil {
				return err
			}

			err = tx.InsertRefund(ctx, &models.RefundRecord{
				TaskID:    task.TaskID,
				LedgerID:  task.LedgerID,
				UserID:    task.UserID,
				Amount:    amount,
				Reason:    req.Reason,
				Source:    req.Source,
				CreatedAt: e.now().UTC(),
			})
			if err != nil {
				if errors.Is(err, storage.ErrRefundExists) {
					return fmt.Errorf("%w: task %s", ErrAlreadyRefunded, req.TaskID)
				}
				return err
			}

			if task.Status == models.TaskCompleted {
				if ledger.UsageCount > 0 {
					ledger.UsageCount--
				}
				ledger.TotalCreditsConsumed -= task.CreditCost
				if ledger.TotalCreditsConsumed < 0 {
					ledger.TotalCreditsConsumed = 0
				}
				if err := tx.SaveLedger(ctx, ledger); err != nil {
					return err
				}
			}

			task.Refunded = true
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}

			result = &RefundResult{TaskID: task.TaskID, Refunded: true, Amount: amount}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Refund(string(req.Source), result.Amount)
	e.logger.Info("Task refunded",
		"task_id", req.TaskID,
		"amount", result.Amount,
		"source", req.Source,
		"reason", req.Reason,
	)
	return result, nil
}

// BindExternalTask records the upstream id used to query a pending task's
// status. Rebinding the same id is a no-op; so is binding a terminal task.
func (e *Engine) BindExternalTask(ctx context.Context, taskID, externalTaskID string) error {
	if taskID == "" || externalTaskID == "" {
		return fmt.Errorf("%w: task id and external task id are required", ErrInvalidPayload)
	}

	unlock, err := e.acquire(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	return e.withRetry(ctx, "bind", func() error {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return mapNotFound(err, taskID)
		}
		if task.Status.IsTerminal() {
			return nil
		}
		if task.ExternalTaskID != nil {
			if *task.ExternalTaskID == externalTaskID {
				return nil
			}
			return fmt.Errorf("%w: task %s is bound to %s", ErrIdempotencyMismatch, taskID, *task.ExternalTaskID)
		}

		task.ExternalTaskID = &externalTaskID
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		e.logger.Debug("External task bound", "task_id", taskID, "external_task_id", externalTaskID)
		return nil
	})
}

// GetUsageSummary reports a user's consumption of a capability. It never
// creates a ledger.
func (e *Engine) GetUsageSummary(ctx context.Context, userID, capabilityID string) (*UsageSummary, error) {
	capability, err := e.catalog.Lookup(capabilityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}

	summary := &UsageSummary{
		UserID:             userID,
		CapabilityID:       capabilityID,
		RemainingFreeUsage: capability.FreeAllowance,
	}

	ledger, err := e.store.GetLedger(ctx, userID, capabilityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return summary, nil
		}
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	summary.UsageCount = ledger.UsageCount
	summary.TotalCreditsConsumed = ledger.TotalCreditsConsumed
	summary.RemainingFreeUsage = remainingFree(capability, ledger.Tasks)
	return summary, nil
}

// GetTask returns a task record
func (e *Engine) GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, mapNotFound(err, taskID)
	}
	return task, nil
}

// GrantCredits tops up a user's balance, e.g. after a payment
func (e *Engine) GrantCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	if userID == "" || amount <= 0 {
		return 0, fmt.Errorf("%w: user and a positive amount are required", ErrInvalidPayload)
	}
	if err := e.store.Credit(ctx, userID, amount); err != nil {
		return 0, fmt.Errorf("failed to grant credits: %w", err)
	}
	balance, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	e.logger.Info("Credits granted", "user_id", userID, "amount", amount, "balance", balance)
	return balance, nil
}

// GetBalance returns a user's balance; users without an account have zero
func (e *Engine) GetBalance(ctx context.Context, userID string) (int64, error) {
	balance, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (e *Engine) acquire(ctx context.Context, taskID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.config.LockTimeout)
	defer cancel()

	unlock, err := e.locker.Acquire(lockCtx, "task:"+taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock task %s: %w", taskID, err)
	}
	return unlock, nil
}

// withRetry re-runs fn while it fails with storage.ErrConflict
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= e.config.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			e.metrics.ConflictRetry(op)
			e.logger.Debug("Retrying after concurrent modification", "operation", op, "attempt", attempt)
		}
		if err = fn(); !errors.Is(err, storage.ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%w: %s gave up after %d attempts", ErrPersistenceConflict, op, e.config.MaxConflictRetries+1)
}

func mapNotFound(err error, taskID string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return err
}
