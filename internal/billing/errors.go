package billing

import (
	"context"
	"errors"

	"usage_ledger/internal/lock"
	"usage_ledger/internal/storage"
)

var (
	// ErrInvalidCapability is returned for capability ids the catalog does not know
	ErrInvalidCapability = errors.New("billing: invalid capability")

	// ErrInvalidPayload is returned when a request is malformed or the pricing
	// function rejects the payload
	ErrInvalidPayload = errors.New("billing: invalid payload")

	// ErrInsufficientCredits is returned when the balance cannot cover an admission debit
	ErrInsufficientCredits = errors.New("billing: insufficient credits")

	// ErrNotFound is returned for unknown task ids
	ErrNotFound = errors.New("billing: task not found")

	// ErrAlreadyRefunded is returned when a task already has a refund
	ErrAlreadyRefunded = errors.New("billing: task already refunded")

	// ErrNothingToRefund is returned when a task never carried a debit
	ErrNothingToRefund = errors.New("billing: task carries no debit")

	// ErrTaskPending is returned when refunding a task that has not settled yet
	ErrTaskPending = errors.New("billing: task is still pending")

	// ErrIdempotencyMismatch is returned when a task id is reused with
	// different parameters
	ErrIdempotencyMismatch = errors.New("billing: idempotency token reused with different parameters")

	// ErrExternalUnavailable is returned when the upstream status provider
	// cannot be reached. The caller should retry later.
	ErrExternalUnavailable = errors.New("billing: external status provider unavailable")

	// ErrPersistenceConflict is returned when concurrent writers kept
	// invalidating an operation past the retry limit
	ErrPersistenceConflict = errors.New("billing: persistence conflict")
)

// IsRetryable reports whether the operation may succeed if repeated later
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceConflict) ||
		errors.Is(err, ErrExternalUnavailable) ||
		errors.Is(err, storage.ErrConflict) ||
		errors.Is(err, lock.ErrLockTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError reports whether the error is caused by the request itself
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidCapability,
		ErrInvalidPayload,
		ErrInsufficientCredits,
		ErrNotFound,
		ErrAlreadyRefunded,
		ErrNothingToRefund,
		ErrTaskPending,
		ErrIdempotencyMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
