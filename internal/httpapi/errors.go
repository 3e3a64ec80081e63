package httpapi

import (
	"context"
	"errors"
	"net/http"

	"usage_ledger/internal/billing"
	"usage_ledger/internal/lock"
	"usage_ledger/internal/providers"
	"usage_ledger/internal/queue"
	"usage_ledger/internal/utils"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrInvalidPayload),
		errors.Is(err, billing.ErrInvalidCapability):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, billing.ErrNotFound),
		errors.Is(err, queue.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrAlreadyRefunded),
		errors.Is(err, billing.ErrNothingToRefund),
		errors.Is(err, billing.ErrTaskPending),
		errors.Is(err, billing.ErrIdempotencyMismatch):
		return http.StatusConflict
	case errors.Is(err, billing.ErrExternalUnavailable),
		errors.Is(err, providers.ErrNoProvider),
		errors.Is(err, billing.ErrPersistenceConflict),
		errors.Is(err, lock.ErrLockTimeout),
		errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// respondWithDomainError writes err with its mapped status. Internal errors
// are logged and answered with a generic message.
func respondWithDomainError(w http.ResponseWriter, logger *utils.Logger, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error("Request failed", "operation", op, "error", err)
		utils.RespondWithError(w, code, "internal error")
		return
	}
	if billing.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	utils.RespondWithError(w, code, err.Error())
}
