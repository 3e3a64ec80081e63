package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"usage_ledger/internal/billing"
	"usage_ledger/internal/middleware"
	"usage_ledger/internal/queue"
	"usage_ledger/internal/reconcile"
	"usage_ledger/internal/utils"
)

const defaultDeadLetterLimit = 100

// AdminRefunder issues operator refunds
type AdminRefunder interface {
	RefundAdministrative(ctx context.Context, taskID, reason, operator string) (*billing.RefundResult, error)
}

// CreditGranter tops up balances
type CreditGranter interface {
	GrantCredits(ctx context.Context, userID string, amount int64) (int64, error)
}

// DeadLetters exposes the settlement dead letter queue
type DeadLetters interface {
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// Reconciler triggers a reconciliation run
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.RunReport, error)
}

// AdminHandler serves operator endpoints. Every route sits behind
// OperatorJWTMiddleware.
type AdminHandler struct {
	refunds     AdminRefunder
	credits     CreditGranter
	deadLetters DeadLetters
	reconciler  Reconciler
	logger      *utils.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(refunds AdminRefunder, credits CreditGranter, deadLetters DeadLetters, reconciler Reconciler) *AdminHandler {
	return &AdminHandler{
		refunds:     refunds,
		credits:     credits,
		deadLetters: deadLetters,
		reconciler:  reconciler,
		logger:      utils.NewLogger("http-admin"),
	}
}

// RefundTaskRequest is the body of an administrative refund
type RefundTaskRequest struct {
	Reason string `json:"reason"`
}

// GrantCreditsRequest is the body of a credit grant
type GrantCreditsRequest struct {
	Amount int64 `json:"amount"`
}

// Refund handles POST /admin/tasks/{id}/refund
func (h *AdminHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundTaskRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	operator, _ := middleware.GetOperator(r.Context())
	result, err := h.refunds.RefundAdministrative(r.Context(), r.PathValue("id"), req.Reason, operator)
	if err != nil {
		respondWithDomainError(w, h.logger, "refund", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, result)
}

// GrantCredits handles POST /admin/users/{id}/credits
func (h *AdminHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req GrantCreditsRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := r.PathValue("id")
	balance, err := h.credits.GrantCredits(r.Context(), userID, req.Amount)
	if err != nil {
		respondWithDomainError(w, h.logger, "grant", err)
		return
	}

	operator, _ := middleware.GetOperator(r.Context())
	h.logger.Info("Credits granted by operator", "operator", operator, "user_id", userID, "amount", req.Amount)
	utils.RespondWithJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// ListDeadLetters handles GET /admin/dead-letters?limit=
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	items, err := h.deadLetters.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		respondWithDomainError(w, h.logger, "list_dead_letters", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// RetryDeadLetter handles POST /admin/dead-letters/{id}/retry
func (h *AdminHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.deadLetters.RetryDeadLetterItem(r.Context(), r.PathValue("id")); err != nil {
		respondWithDomainError(w, h.logger, "retry_dead_letter", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RunReconcile handles POST /admin/reconcile/run
func (h *AdminHandler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.RunOnce(r.Context())
	if errors.Is(err, reconcile.ErrRunInProgress) {
		utils.RespondWithError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		respondWithDomainError(w, h.logger, "reconcile", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, report)
}
