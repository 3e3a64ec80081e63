package storage

import (
	"context"

	"usage_ledger/internal/models"
)

// Accounts is the CreditAccountStore: per-user balances.
type Accounts interface {
	// GetBalance returns the balance; a user without an account has ErrNotFound
	GetBalance(ctx context.Context, userID string) (int64, error)

	// Debit subtracts amount or fails with ErrInsufficientFunds, leaving the
	// balance untouched. A missing account counts as a zero balance.
	Debit(ctx context.Context, userID string, amount int64) error

	// Credit adds amount, creating the account on first credit
	Credit(ctx context.Context, userID string, amount int64) error
}

// Ledgers is the LedgerStore: usage ledgers, task records and refunds.
type Ledgers interface {
	// GetOrCreateLedger returns the (user, capability) ledger with its tasks
	// and refunds loaded, creating an empty one on first use
	GetOrCreateLedger(ctx context.Context, userID, capabilityID string) (*models.UsageLedger, error)

	// GetLedger is GetOrCreateLedger without the create; ErrNotFound if absent
	GetLedger(ctx context.Context, userID, capabilityID string) (*models.UsageLedger, error)

	// GetTask returns a task by its id
	GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error)

	// InsertTask registers a new task with Version 1; ErrTaskExists on duplicates
	InsertTask(ctx context.Context, task *models.TaskRecord) error

	// UpdateTask writes the task if the stored version still equals
	// task.Version, then bumps task.Version. Otherwise ErrConflict.
	UpdateTask(ctx context.Context, task *models.TaskRecord) error

	// SaveLedger writes the ledger counters with the same version check as UpdateTask
	SaveLedger(ctx context.Context, ledger *models.UsageLedger) error

	// InsertRefund appends a refund; ErrRefundExists if the task already has one
	InsertRefund(ctx context.Context, refund *models.RefundRecord) error
}

// Tx is a unit of work spanning accounts and ledgers.
type Tx interface {
	Accounts
	Ledgers
}

// Store is the authoritative ledger store. Methods called directly on the
// Store run in their own implicit transaction.
type Store interface {
	Tx

	// RunInTx commits every mutation made through tx atomically, or none of
	// them if fn returns an error
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListPendingTasks returns pending tasks, oldest first
	ListPendingTasks(ctx context.Context, limit int) ([]*models.TaskRecord, error)

	// ListUnrefundedFailures returns failed tasks that still hold a debit
	ListUnrefundedFailures(ctx context.Context, limit int) ([]*models.TaskRecord, error)

	// EnsureAccount creates an account with the initial balance if none exists
	EnsureAccount(ctx context.Context, userID string, initial int64) error

	Ping(ctx context.Context) error
	Close() error
}

func ledgerKey(userID, capabilityID string) string {
	return userID + "\x00" + capabilityID
}
