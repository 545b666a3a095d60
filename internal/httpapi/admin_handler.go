package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"llm_wallet/internal/middleware"
	"llm_wallet/internal/models"
	"llm_wallet/internal/queue"
	"llm_wallet/internal/storage"
	"llm_wallet/internal/utils"
)

const defaultAdminListLimit = 100

type resetAllowanceRequest struct {
	AllowanceCents int64           `json:"allowance_cents"`
	PlanTier       models.PlanTier `json:"plan_tier,omitempty"`
}

// handleResetAllowance starts a new billing cycle. Called by the
// subscription job on renewal or plan change.
func (d *Dependencies) handleResetAllowance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req resetAllowanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AllowanceCents < 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "allowance_cents must not be negative")
		return
	}
	if req.PlanTier != "" && !req.PlanTier.Valid() {
		utils.RespondWithError(w, http.StatusBadRequest, "unknown plan_tier")
		return
	}

	if err := d.Wallets.ResetMonthlyAllowance(r.Context(), userID, req.AllowanceCents, req.PlanTier); err != nil {
		d.logger.Error("Failed to reset allowance", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	d.logger.Info("Monthly allowance reset",
		"user_id", userID, "allowance_cents", req.AllowanceCents, "plan_tier", req.PlanTier,
		"caller", middleware.CallerID(r.Context()))

	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultAdminListLimit)
	if !ok {
		return
	}

	anomalies, err := d.Anomalies.ListUnresolved(r.Context(), limit)
	if err != nil {
		d.logger.Error("Failed to list anomalies", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if anomalies == nil {
		anomalies = []*models.SettlementAnomaly{}
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

func (d *Dependencies) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid anomaly ID")
		return
	}

	err = d.Anomalies.Resolve(r.Context(), id)
	if errors.Is(err, storage.ErrAnomalyNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "anomaly not found")
		return
	}
	if err != nil {
		d.logger.Error("Failed to resolve anomaly", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	d.logger.Info("Anomaly resolved", "id", id, "caller", middleware.CallerID(r.Context()))

	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) queueAdmin(w http.ResponseWriter, r *http.Request) (QueueAdmin, bool) {
	name := chi.URLParam(r, "name")
	admin, ok := d.Queues[name]
	if !ok {
		utils.RespondWithError(w, http.StatusNotFound, "unknown queue")
		return nil, false
	}
	return admin, true
}

func (d *Dependencies) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	admin, ok := d.queueAdmin(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r, defaultAdminListLimit)
	if !ok {
		return
	}

	length, err := admin.Length(r.Context())
	if err != nil {
		d.logger.Error("Failed to read queue length", "queue", chi.URLParam(r, "name"), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	deadLetters, err := admin.DeadLetters(r.Context(), limit)
	if err != nil {
		d.logger.Error("Failed to list dead letters", "queue", chi.URLParam(r, "name"), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"name":         chi.URLParam(r, "name"),
		"length":       length,
		"dead_letters": deadLetters,
	})
}

func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	admin, ok := d.queueAdmin(w, r)
	if !ok {
		return
	}

	err := admin.Retry(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrItemNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "dead letter item not found")
		return
	}
	if err != nil {
		d.logger.Error("Failed to retry dead letter", "queue", chi.URLParam(r, "name"), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// queryLimit reads an optional positive limit parameter
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}
