package httpapi

import (
	"context"
	"net/http"

	"usage_ledger/internal/billing"
	"usage_ledger/internal/models"
	"usage_ledger/internal/queue"
	"usage_ledger/internal/reconcile"
	"usage_ledger/internal/utils"
)

// Ledger is the billing surface the HTTP layer calls
type Ledger interface {
	Admit(ctx context.Context, req billing.AdmitRequest) (*billing.AdmissionDecision, error)
	Settle(ctx context.Context, req billing.SettleRequest) (*billing.SettlementResult, error)
	BindExternalTask(ctx context.Context, taskID, externalTaskID string) error
	GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error)
	GetUsageSummary(ctx context.Context, userID, capabilityID string) (*billing.UsageSummary, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	GrantCredits(ctx context.Context, userID string, amount int64) (int64, error)
}

// StatusChecker settles a task from its upstream status on demand
type StatusChecker interface {
	Check(ctx context.Context, taskID string) (*reconcile.CheckResult, error)
}

// SignalSink accepts pushed completion signals
type SignalSink interface {
	Enqueue(ctx context.Context, sig queue.Signal) error
}

// TasksHandler serves the caller-facing task endpoints
type TasksHandler struct {
	ledger  Ledger
	checker StatusChecker
	signals SignalSink
	logger  *utils.Logger
}

// NewTasksHandler creates a new tasks handler
func NewTasksHandler(ledger Ledger, checker StatusChecker, signals SignalSink) *TasksHandler {
	return &TasksHandler{
		ledger:  ledger,
		checker: checker,
		signals: signals,
		logger:  utils.NewLogger("http-tasks"),
	}
}

// BindExternalRequest carries the upstream id of a task
type BindExternalRequest struct {
	ExternalTaskID string `json:"external_task_id"`
}

// SettleTaskRequest reports a terminal outcome for the task in the path
type SettleTaskRequest struct {
	Outcome      billing.Outcome `json:"outcome"`
	ResultParams map[string]any  `json:"result_params,omitempty"`
	ErrorInfo    string          `json:"error_info,omitempty"`
}

// BalanceResponse is a user's credit balance
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// Admit handles POST /v1/admissions
func (h *TasksHandler) Admit(w http.ResponseWriter, r *http.Request) {
	var req billing.AdmitRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := h.ledger.Admit(r.Context(), req)
	if err != nil {
		respondWithDomainError(w, h.logger, "admit", err)
		return
	}

	code := http.StatusCreated
	if decision.Replayed {
		code = http.StatusOK
	}
	utils.RespondWithJSON(w, code, decision)
}

// BindExternal handles POST /v1/tasks/{id}/external
func (h *TasksHandler) BindExternal(w http.ResponseWriter, r *http.Request) {
	var req BindExternalRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ledger.BindExternalTask(r.Context(), r.PathValue("id"), req.ExternalTaskID); err != nil {
		respondWithDomainError(w, h.logger, "bind", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Settle handles POST /v1/tasks/{id}/settle
func (h *TasksHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleTaskRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.ledger.Settle(r.Context(), billing.SettleRequest{
		TaskID:       r.PathValue("id"),
		Outcome:      req.Outcome,
		ResultParams: req.ResultParams,
		ErrorInfo:    req.ErrorInfo,
	})
	if err != nil {
		respondWithDomainError(w, h.logger, "settle", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, result)
}

// Status handles GET /v1/tasks/{id}/status. Pending tasks are checked
// against the upstream before answering.
func (h *TasksHandler) Status(w http.ResponseWriter, r *http.Request) {
	result, err := h.checker.Check(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithDomainError(w, h.logger, "status", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, result)
}

// GetTask handles GET /v1/tasks/{id}
func (h *TasksHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.ledger.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithDomainError(w, h.logger, "get_task", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, task)
}

// Signal handles POST /v1/signals. The signal is settled asynchronously.
func (h *TasksHandler) Signal(w http.ResponseWriter, r *http.Request) {
	var sig queue.Signal
	if err := utils.DecodeJSON(r, &sig); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.signals.Enqueue(r.Context(), sig); err != nil {
		respondWithDomainError(w, h.logger, "signal", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusAccepted, map[string]string{"task_id": sig.TaskID, "status": "queued"})
}

// Usage handles GET /v1/usage?user_id=&capability_id=
func (h *TasksHandler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	capabilityID := r.URL.Query().Get("capability_id")
	if userID == "" || capabilityID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "user_id and capability_id are required")
		return
	}

	summary, err := h.ledger.GetUsageSummary(r.Context(), userID, capabilityID)
	if err != nil {
		respondWithDomainError(w, h.logger, "usage", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, summary)
}

// Balance handles GET /v1/users/{id}/balance
func (h *TasksHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		respondWithDomainError(w, h.logger, "balance", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}
