package billing

import (
	"context"
	"fmt"
	"time"

	"llm_wallet/internal/metrics"
	"llm_wallet/internal/models"
	"llm_wallet/internal/storage"
	"llm_wallet/internal/utils"
)

// settleTimeout bounds a settlement that outlives its request
const settleTimeout = 10 * time.Second

// Store performs the settlement transaction
type Store interface {
	SettleUsage(ctx context.Context, req *storage.SettleRequest) (*models.UsageEvent, bool, error)
}

// AnomalyRecorder takes completed calls that could not be billed
type AnomalyRecorder interface {
	Record(ctx context.Context, anomaly *models.SettlementAnomaly)
}

// EventSink receives settled usage events for export
type EventSink interface {
	Publish(ctx context.Context, event *models.UsageEvent)
}

// SettleMetadata describes the completed call being charged
type SettleMetadata struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	CorrelationID    string
	Metadata         models.JSONB
}

// Settler charges completed calls. One settlement is one store
// transaction: debit, quota counter and usage event together or not at all.
type Settler struct {
	store     Store
	anomalies AnomalyRecorder
	events    EventSink
	metrics   *metrics.Metrics
	logger    *utils.Logger
}

// NewSettler creates a settler. anomalies, events and m may be nil.
func NewSettler(store Store, anomalies AnomalyRecorder, events EventSink, m *metrics.Metrics) *Settler {
	return &Settler{
		store:     store,
		anomalies: anomalies,
		events:    events,
		metrics:   m,
		logger:    utils.NewLogger("settlement"),
	}
}

// Settle charges costCents for a completed call. ok is false when the
// wallet could no longer cover the cost, which happens when a concurrent
// request spent the balance after this one was capped. Either failure is
// recorded as an anomaly; neither is retried.
//
// The caller's cancellation is detached: the external call has already
// happened and must be billed even if the client went away.
func (s *Settler) Settle(ctx context.Context, userID string, feature models.Feature, costCents int64, meta SettleMetadata) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	req := &storage.SettleRequest{
		UserID:           userID,
		Feature:          feature,
		Model:            meta.Model,
		PromptTokens:     meta.PromptTokens,
		CompletionTokens: meta.CompletionTokens,
		CostCents:        costCents,
		Metadata:         meta.Metadata,
	}
	if meta.CorrelationID != "" {
		id := meta.CorrelationID
		req.CorrelationID = &id
	}

	event, ok, err := s.store.SettleUsage(ctx, req)
	if err != nil {
		s.logger.Error("Settlement failed after completed call",
			"user_id", userID, "feature", feature, "cost_cents", costCents, "error", err)
		s.recordAnomaly(ctx, models.AnomalySettleError, req, err.Error())
		return false, fmt.Errorf("failed to settle usage: %w", err)
	}
	if !ok {
		s.logger.Error("Completed call left unbilled, balance spent concurrently",
			"user_id", userID, "feature", feature, "cost_cents", costCents)
		s.recordAnomaly(ctx, models.AnomalyUnbilled, req, ErrInsufficientCredits.Error())
		return false, nil
	}

	s.metrics.RecordSettlement(string(feature), meta.Model, costCents)
	if s.events != nil {
		s.events.Publish(ctx, event)
	}
	s.logger.Debug("Usage settled", "user_id", userID, "feature", feature, "cost_cents", costCents, "event_id", event.ID)
	return true, nil
}

func (s *Settler) recordAnomaly(ctx context.Context, kind models.AnomalyKind, req *storage.SettleRequest, cause string) {
	s.metrics.RecordAnomaly(string(kind))
	if s.anomalies == nil {
		return
	}
	s.anomalies.Record(ctx, &models.SettlementAnomaly{
		Kind:             kind,
		UserID:           req.UserID,
		Feature:          req.Feature,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		CostCents:        req.CostCents,
		CorrelationID:    req.CorrelationID,
		Error:            cause,
		OccurredAt:       time.Now().UTC(),
	})
}
