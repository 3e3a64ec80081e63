// Package refund routes every refund trigger to the billing engine and
// normalizes how repeated triggers are reported.
package refund

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"usage_ledger/internal/billing"
	"usage_ledger/internal/models"
	"usage_ledger/internal/utils"
)

// Refunder issues a single refund
type Refunder interface {
	Refund(ctx context.Context, req billing.RefundRequest) (*billing.RefundResult, error)
}

// Coordinator is the single entry point for refunds
type Coordinator struct {
	refunder Refunder
	logger   *utils.Logger
}

// NewCoordinator creates a coordinator
func NewCoordinator(refunder Refunder) *Coordinator {
	return &Coordinator{
		refunder: refunder,
		logger:   utils.NewLogger("refund-coordinator"),
	}
}

// RefundFailed is the automatic path run right after a debited task fails.
// A refund that already happened counts as success.
func (c *Coordinator) RefundFailed(ctx context.Context, taskID, reason string) error {
	return c.idempotent(ctx, billing.RefundRequest{
		TaskID: taskID,
		Reason: reason,
		Source: models.RefundAutomatic,
	})
}

// RefundReconciled is the reconciliation path for failures whose automatic
// refund never ran
func (c *Coordinator) RefundReconciled(ctx context.Context, taskID, reason string) error {
	return c.idempotent(ctx, billing.RefundRequest{
		TaskID: taskID,
		Reason: reason,
		Source: models.RefundReconciliation,
	})
}

// RefundAdministrative is an operator-issued refund. Unlike the automatic
// paths it reports ErrAlreadyRefunded to the caller.
func (c *Coordinator) RefundAdministrative(ctx context.Context, taskID, reason, operator string) (*billing.RefundResult, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return nil, fmt.Errorf("%w: operator is required", billing.ErrInvalidPayload)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", billing.ErrInvalidPayload)
	}

	result, err := c.refunder.Refund(ctx, billing.RefundRequest{
		TaskID: taskID,
		Reason: fmt.Sprintf("%s (by %s)", reason, operator),
		Source: models.RefundAdministrative,
	})
	if err != nil {
		c.logger.Warn("Administrative refund rejected", "task_id", taskID, "operator", operator, "error", err)
		return nil, err
	}
	c.logger.Info("Administrative refund issued", "task_id", taskID, "operator", operator, "amount", result.Amount)
	return result, nil
}

func (c *Coordinator) idempotent(ctx context.Context, req billing.RefundRequest) error {
	_, err := c.refunder.Refund(ctx, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, billing.ErrAlreadyRefunded):
		c.logger.Debug("Refund already issued", "task_id", req.TaskID, "source", req.Source)
		return nil
	case errors.Is(err, billing.ErrNothingToRefund):
		// Free and uncollected failures carry no debit
		return nil
	default:
		return fmt.Errorf("failed to refund task %s: %w", req.TaskID, err)
	}
}
