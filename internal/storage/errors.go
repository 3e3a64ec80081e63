package storage

import "errors"

var (
	// ErrNotFound is returned when a ledger, task or account does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update finds a newer version
	ErrConflict = errors.New("record was modified concurrently")

	// ErrInsufficientFunds is returned when a debit would make a balance negative
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTaskExists is returned when a task id is already registered
	ErrTaskExists = errors.New("task already exists")

	// ErrRefundExists is returned when a task already has a refund record
	ErrRefundExists = errors.New("refund already exists")

	// ErrInvalidAmount is returned for negative or zero balance mutations
	ErrInvalidAmount = errors.New("amount must be positive")
)
