package topup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"llm_wallet/internal/metrics"
	"llm_wallet/internal/models"
	"llm_wallet/internal/utils"
)

// ErrInvalidTopUp is returned for confirmations that cannot be credited
var ErrInvalidTopUp = errors.New("invalid top-up")

// LotStore creates lots at most once per source key
type LotStore interface {
	CreateIfAbsent(ctx context.Context, lot *models.TopUpLot) (bool, error)
}

// SourceKey derives the idempotency key of a payment from the payment
// provider and its transaction id. The same payment always maps to the
// same key, whichever channel reports it.
func SourceKey(provider, transactionID string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	transactionID = strings.TrimSpace(transactionID)
	if provider == "" || transactionID == "" {
		return "", fmt.Errorf("%w: provider and transaction id are required", ErrInvalidTopUp)
	}
	if strings.Contains(provider, ":") {
		return "", fmt.Errorf("%w: provider must not contain ':'", ErrInvalidTopUp)
	}
	return provider + ":" + transactionID, nil
}

// Reconciler credits confirmed payments. A payment reported again, by a
// retried webhook or by the client confirming it as well, credits nothing.
type Reconciler struct {
	lots    LotStore
	metrics *metrics.Metrics
	logger  *utils.Logger
}

// NewReconciler creates a reconciler. m may be nil.
func NewReconciler(lots LotStore, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		lots:    lots,
		metrics: m,
		logger:  utils.NewLogger("topup"),
	}
}

// Reconcile credits amountCents to userID unless sourceKey was credited
// before. created is false for a payment that was already applied.
func (r *Reconciler) Reconcile(ctx context.Context, sourceKey, userID string, amountCents int64) (bool, error) {
	if sourceKey == "" || userID == "" {
		return false, fmt.Errorf("%w: source key and user are required", ErrInvalidTopUp)
	}
	if amountCents <= 0 {
		return false, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidTopUp, amountCents)
	}

	lot := &models.TopUpLot{
		UserID:      userID,
		SourceKey:   sourceKey,
		AmountCents: amountCents,
	}
	created, err := r.lots.CreateIfAbsent(ctx, lot)
	if err != nil {
		r.metrics.RecordTopUp("error", 0)
		r.logger.Error("Top-up reconcile failed", "source_key", sourceKey, "user_id", userID, "error", err)
		return false, fmt.Errorf("failed to reconcile top-up: %w", err)
	}

	if !created {
		r.metrics.RecordTopUp("duplicate", amountCents)
		r.logger.Info("Top-up already credited", "source_key", sourceKey, "user_id", userID)
		return false, nil
	}

	r.metrics.RecordTopUp("created", amountCents)
	r.logger.Info("Top-up credited",
		"source_key", sourceKey, "user_id", userID, "amount_cents", amountCents,
		"lot_id", lot.ID, "expires_at", lot.ExpiresAt)
	return true, nil
}
