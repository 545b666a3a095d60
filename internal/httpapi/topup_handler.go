package httpapi

import (
	"errors"
	"net/http"

	"llm_wallet/internal/middleware"
	"llm_wallet/internal/storage"
	"llm_wallet/internal/topup"
	"llm_wallet/internal/utils"
)

type topUpRequest struct {
	Provider      string `json:"provider"`
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	AmountCents   int64  `json:"amount_cents"`
}

type topUpResponse struct {
	SourceKey string `json:"source_key"`
	Created   bool   `json:"created"`
}

// handleTopUp credits a confirmed payment. Both the payment webhook relay
// and the client confirmation call this; the second one gets created=false.
func (d *Dependencies) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sourceKey, err := topup.SourceKey(req.Provider, req.TransactionID)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := d.TopUps.Reconcile(r.Context(), sourceKey, req.UserID, req.AmountCents)
	switch {
	case errors.Is(err, topup.ErrInvalidTopUp):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, storage.ErrSourceKeyConflict):
		d.logger.Warn("Payment reported for a different user",
			"source_key", sourceKey, "user_id", req.UserID, "caller", middleware.CallerID(r.Context()))
		utils.RespondWithErrorCode(w, http.StatusConflict, "source_key_conflict", "payment already credited to another user")
		return
	case err != nil:
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	_ = utils.RespondWithJSON(w, status, topUpResponse{SourceKey: sourceKey, Created: created})
}
