package billing

import (
	"context"

	"usage_ledger/internal/models"
)

// Outcome is the reported result of an external task
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// IsValid returns true if the outcome is known
func (o Outcome) IsValid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// AdmitRequest asks to start a billable task. IdempotencyToken becomes the
// task id; repeating a request with the same token replays the decision.
type AdmitRequest struct {
	UserID           string         `json:"user_id"`
	CapabilityID     string         `json:"capability_id"`
	IdempotencyToken string         `json:"idempotency_token"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// AdmissionDecision is the result of Admit
type AdmissionDecision struct {
	TaskID      string `json:"task_id"`
	Accepted    bool   `json:"accepted"`
	PlannedCost int64  `json:"planned_cost"`
	IsFree      bool   `json:"is_free"`

	// Charged is the amount debited at admission; zero for free and deferred tasks
	Charged  int64 `json:"charged"`
	Replayed bool  `json:"replayed"`
}

// SettleRequest reports the terminal outcome of a task
type SettleRequest struct {
	TaskID       string         `json:"task_id"`
	Outcome      Outcome        `json:"outcome"`
	ResultParams map[string]any `json:"result_params,omitempty"`
	ErrorInfo    string         `json:"error_info,omitempty"`
}

// SettlementResult describes the task after Settle
type SettlementResult struct {
	TaskID          string            `json:"task_id"`
	Status          models.TaskStatus `json:"status"`
	FinalCost       int64             `json:"final_cost"`
	IsFree          bool              `json:"is_free"`
	UsageCount      int64             `json:"usage_count"`
	AlreadyTerminal bool              `json:"already_terminal"`
	RefundTriggered bool              `json:"refund_triggered"`
}

// RefundRequest asks to return the credits debited for a task
type RefundRequest struct {
	TaskID string              `json:"task_id"`
	Reason string              `json:"reason"`
	Source models.RefundSource `json:"source"`
}

// RefundResult is the result of Refund
type RefundResult struct {
	TaskID   string `json:"task_id"`
	Refunded bool   `json:"refunded"`
	Amount   int64  `json:"amount"`
}

// UsageSummary is a user's consumption of one capability
type UsageSummary struct {
	UserID               string `json:"user_id"`
	CapabilityID         string `json:"capability_id"`
	UsageCount           int64  `json:"usage_count"`
	TotalCreditsConsumed int64  `json:"total_credits_consumed"`
	RemainingFreeUsage   int    `json:"remaining_free_usage"`
}

// FailureRefunder compensates a task that failed after an admission debit
type FailureRefunder interface {
	RefundFailed(ctx context.Context, taskID, reason string) error
}
