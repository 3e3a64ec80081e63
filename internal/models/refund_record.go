package models

import "time"

// RefundSource identifies which trigger site issued a refund
type RefundSource string

const (
	RefundAutomatic      RefundSource = "automatic"
	RefundReconciliation RefundSource = "reconciliation"
	RefundAdministrative RefundSource = "administrative"
)

// RefundRecord is the compensating credit for a debited task. At most one
// exists per task.
type RefundRecord struct {
	ID        string       `db:"id" json:"id"`
	TaskID    string       `db:"task_id" json:"task_id"`
	LedgerID  string       `db:"ledger_id" json:"ledger_id"`
	UserID    string       `db:"user_id" json:"user_id"`
	Amount    int64        `db:"amount" json:"amount"`
	Reason    string       `db:"reason" json:"reason"`
	Source    RefundSource `db:"source" json:"source"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}
