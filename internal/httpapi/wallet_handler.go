package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"llm_wallet/internal/ledger"
	"llm_wallet/internal/models"
	"llm_wallet/internal/storage"
	"llm_wallet/internal/utils"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type lotView struct {
	SourceKey      string    `json:"source_key"`
	AmountCents    int64     `json:"amount_cents"`
	RemainingCents int64     `json:"remaining_cents"`
	PurchasedAt    time.Time `json:"purchased_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Active         bool      `json:"active"`
}

type walletView struct {
	UserID                string          `json:"user_id"`
	PlanTier              models.PlanTier `json:"plan_tier"`
	AvailableCents        int64           `json:"available_cents"`
	MonthlyAllowanceCents int64           `json:"monthly_allowance_cents"`
	MonthlyRemainingCents int64           `json:"monthly_remaining_cents"`
	PeriodStart           time.Time       `json:"period_start"`
	Lots                  []lotView       `json:"lots"`
}

type quotaView struct {
	UserID    string          `json:"user_id"`
	Feature   models.Feature  `json:"feature"`
	PlanTier  models.PlanTier `json:"plan_tier"`
	PeriodKey string          `json:"period_key"`
	Count     int64           `json:"count"`
}

func (d *Dependencies) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	wallet, err := d.Wallets.GetWallet(r.Context(), userID)
	if errors.Is(err, storage.ErrAccountNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "wallet not found")
		return
	}
	if err != nil {
		d.logger.Error("Failed to load wallet", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := d.now()
	view := walletView{
		UserID:                wallet.Account.UserID,
		PlanTier:              wallet.Account.PlanTier,
		AvailableCents:        ledger.AvailableBalance(wallet.Account, wallet.Lots, now),
		MonthlyAllowanceCents: wallet.Account.MonthlyAllowanceCents,
		MonthlyRemainingCents: wallet.Account.MonthlyRemaining(),
		PeriodStart:           wallet.Account.PeriodStart,
		Lots:                  make([]lotView, 0, len(wallet.Lots)),
	}
	for _, lot := range wallet.Lots {
		view.Lots = append(view.Lots, lotView{
			SourceKey:      lot.SourceKey,
			AmountCents:    lot.AmountCents,
			RemainingCents: lot.Remaining(),
			PurchasedAt:    lot.PurchasedAt,
			ExpiresAt:      lot.ExpiresAt,
			Active:         lot.Active(now),
		})
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, view)
}

func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit, ok := queryLimit(w, r, defaultEventLimit)
	if !ok {
		return
	}
	limit = min(limit, maxEventLimit)

	events, err := d.Usage.ListEvents(r.Context(), userID, limit)
	if err != nil {
		d.logger.Error("Failed to list usage events", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []*models.UsageEvent{}
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (d *Dependencies) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	feature := models.Feature(chi.URLParam(r, "feature"))
	if !feature.Valid() {
		utils.RespondWithError(w, http.StatusBadRequest, "unknown feature")
		return
	}

	usage, err := d.Usage.GetQuotaUsage(r.Context(), userID, feature)
	if err != nil {
		d.logger.Error("Failed to read quota usage", "user_id", userID, "feature", feature, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, quotaView{
		UserID:    userID,
		Feature:   feature,
		PlanTier:  usage.PlanTier,
		PeriodKey: usage.PeriodKey,
		Count:     usage.Count,
	})
}
