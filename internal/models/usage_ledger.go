package models

import "time"

// UsageLedger aggregates one user's usage of one capability. The counters are
// denormalized for reads; free-quota decisions always come from Tasks.
type UsageLedger struct {
	ID                   string    `db:"id" json:"id"`
	UserID               string    `db:"user_id" json:"user_id"`
	CapabilityID         string    `db:"capability_id" json:"capability_id"`
	UsageCount           int64     `db:"usage_count" json:"usage_count"`
	TotalCreditsConsumed int64     `db:"total_credits_consumed" json:"total_credits_consumed"`
	Version              int64     `db:"version" json:"version"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`

	// Tasks are ordered by admission; Refunds by creation time
	Tasks   []*TaskRecord   `db:"-" json:"tasks,omitempty"`
	Refunds []*RefundRecord `db:"-" json:"refunds,omitempty"`
}

// ConsumedFromHistory recomputes Σ CreditCost of completed, non-refunded tasks
func (l *UsageLedger) ConsumedFromHistory() int64 {
	var total int64
	for _, t := range l.Tasks {
		if t.CountsTowardSpend() {
			total += t.CreditCost
		}
	}
	return total
}

// FindTask returns the ledger's task with the given id, or nil
func (l *UsageLedger) FindTask(taskID string) *TaskRecord {
	for _, t := range l.Tasks {
		if t.TaskID == taskID {
			return t
		}
	}
	return nil
}
