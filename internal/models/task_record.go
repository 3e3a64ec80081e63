package models

import "time"

// TaskStatus is the lifecycle state of a billed task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further status transition is allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// IsValid returns true if the status is known
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// TaskRecord is the idempotent unit of billing work. TaskID doubles as the
// caller's idempotency token.
type TaskRecord struct {
	TaskID         string     `db:"task_id" json:"task_id"`
	LedgerID       string     `db:"ledger_id" json:"ledger_id"`
	UserID         string     `db:"user_id" json:"user_id"`
	CapabilityID   string     `db:"capability_id" json:"capability_id"`
	ExternalTaskID *string    `db:"external_task_id" json:"external_task_id,omitempty"`
	Status         TaskStatus `db:"status" json:"status"`

	// PlannedCost is the cost decided at admission (an estimate for deferred pricing)
	PlannedCost int64 `db:"planned_cost" json:"planned_cost"`

	// CreditCost is the billed cost; zero until completion and for failures
	CreditCost int64 `db:"credit_cost" json:"credit_cost"`

	// ChargedAmount is what was actually debited from the account for this task
	ChargedAmount int64 `db:"charged_amount" json:"charged_amount"`

	IsFree       bool       `db:"is_free" json:"is_free"`
	Refunded     bool       `db:"refunded" json:"refunded"`
	Payload      JSONB      `db:"payload" json:"payload,omitempty"`
	ResultParams JSONB      `db:"result_params" json:"result_params,omitempty"`
	ErrorInfo    *string    `db:"error_info" json:"error_info,omitempty"`
	Version      int64      `db:"version" json:"version"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Debited reports whether the task carried a debit
func (t *TaskRecord) Debited() bool {
	return t.ChargedAmount > 0
}

// CountsTowardSpend reports whether the task contributes to TotalCreditsConsumed
func (t *TaskRecord) CountsTowardSpend() bool {
	return t.Status == TaskCompleted && !t.Refunded
}

// StatusKey returns the id used to query the upstream processor
func (t *TaskRecord) StatusKey() string {
	if t.ExternalTaskID != nil && *t.ExternalTaskID != "" {
		return *t.ExternalTaskID
	}
	return t.TaskID
}

// Clone returns a deep copy safe to mutate
func (t *TaskRecord) Clone() *TaskRecord {
	c := *t
	c.Payload = t.Payload.Clone()
	c.ResultParams = t.ResultParams.Clone()
	if t.ExternalTaskID != nil {
		v := *t.ExternalTaskID
		c.ExternalTaskID = &v
	}
	if t.ErrorInfo != nil {
		v := *t.ErrorInfo
		c.ErrorInfo = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}
