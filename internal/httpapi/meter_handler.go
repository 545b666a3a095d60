package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"llm_wallet/internal/billing"
	"llm_wallet/internal/metering"
	"llm_wallet/internal/models"
	"llm_wallet/internal/utils"
)

// maxBodyBytes bounds request bodies on every JSON endpoint
const maxBodyBytes = 1 << 20

type meterRequest struct {
	UserID        string           `json:"user_id"`
	Feature       models.Feature   `json:"feature"`
	Model         string           `json:"model"`
	Messages      []models.Message `json:"messages"`
	MaxTokens     int              `json:"max_tokens"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Metadata      models.JSONB     `json:"metadata,omitempty"`
}

type meterResponse struct {
	Outcome         billing.OutcomeKind `json:"outcome"`
	Text            string              `json:"text"`
	Model           string              `json:"model"`
	FinishReason    string              `json:"finish_reason,omitempty"`
	CappedMaxTokens int                 `json:"capped_max_tokens"`
	Charge          *billing.Charge     `json:"charge"`
}

// outcomeStatus maps refusals to HTTP statuses. Content withheld for a
// failed settlement is reported like an empty wallet.
var outcomeStatus = map[billing.OutcomeKind]int{
	billing.OutcomeInsufficientCredits: http.StatusPaymentRequired,
	billing.OutcomeQuotaExceeded:       http.StatusForbidden,
	billing.OutcomeRateLimited:         http.StatusTooManyRequests,
	billing.OutcomeExternalFailure:     http.StatusBadGateway,
	billing.OutcomeBillingFailed:       http.StatusPaymentRequired,
}

// handleMeter runs one metered model call.
//
// Flow:
//  1. Decode JSON body
//  2. Rate limit, quota, balance and cap (metering service)
//  3. Call provider
//  4. Settle and return the content only if settlement succeeded
func (d *Dependencies) handleMeter(w http.ResponseWriter, r *http.Request) {
	var req meterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := d.Metering.Execute(r.Context(), metering.Request{
		UserID:        req.UserID,
		Feature:       req.Feature,
		Model:         req.Model,
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		if errors.Is(err, metering.ErrInvalidRequest) {
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		d.logger.Error("Metered request failed", "user_id", req.UserID, "feature", req.Feature, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if res.Outcome.Kind != billing.OutcomeSuccess {
		status, ok := outcomeStatus[res.Outcome.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		// Provider throttling and outages are worth retrying; nothing was charged
		if res.Outcome.Kind == billing.OutcomeExternalFailure && utils.IsRecoverableError(res.Outcome.Cause) {
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "1")
		}
		utils.RespondWithErrorCode(w, status, string(res.Outcome.Kind), res.Outcome.Err().Error())
		return
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, meterResponse{
		Outcome:         res.Outcome.Kind,
		Text:            res.Text,
		Model:           res.Model,
		FinishReason:    res.FinishReason,
		CappedMaxTokens: res.CappedMaxTokens,
		Charge:          res.Outcome.Charge,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
