// Package anomaly keeps track of completed calls whose settlement failed.
//
// The settlement path only enqueues; a queue worker persists anomalies to
// the settlement_anomalies table with retries, and a scheduled reporter
// publishes the open backlog as metrics.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llm_wallet/internal/models"
	"llm_wallet/internal/queue"
	"llm_wallet/internal/utils"
)

const (
	// enqueueTimeout bounds the wait for the anomaly queue
	enqueueTimeout = 2 * time.Second

	// directWriteTimeout bounds the fallback write to the store
	directWriteTimeout = 5 * time.Second
)

// Store persists anomalies. Create must be idempotent by ID.
type Store interface {
	Create(ctx context.Context, a *models.SettlementAnomaly) error
}

// Recorder queues anomalies for persistence
type Recorder struct {
	store  Store
	worker *queue.Worker[models.SettlementAnomaly]
	logger *utils.Logger
}

// NewRecorder creates a recorder whose worker drains q into store
func NewRecorder(store Store, q queue.Queue[models.SettlementAnomaly], dlq queue.DeadLetterQueue[models.SettlementAnomaly], config *queue.Config) *Recorder {
	r := &Recorder{
		store:  store,
		logger: utils.NewLogger("anomaly"),
	}
	r.worker = queue.NewWorker[models.SettlementAnomaly]("anomaly", q, dlq, r.persist, config)
	return r
}

// Start starts the persistence worker
func (r *Recorder) Start(ctx context.Context) {
	r.worker.Start(ctx)
}

// Stop flushes queued anomalies and stops the worker
func (r *Recorder) Stop() error {
	return r.worker.Stop()
}

// Worker exposes the queue worker for dead letter inspection
func (r *Recorder) Worker() *queue.Worker[models.SettlementAnomaly] {
	return r.worker
}

// Record queues an anomaly. The ID is fixed here so a retried batch
// cannot store it twice. If the queue rejects it, it is written directly.
func (r *Recorder) Record(ctx context.Context, a *models.SettlementAnomaly) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}

	ctx = context.WithoutCancel(ctx)
	enqueueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	err := r.worker.Enqueue(enqueueCtx, *a)
	cancel()
	if err == nil {
		return
	}

	r.logger.Warn("Anomaly queue unavailable, writing directly", "anomaly_id", a.ID, "error", err)
	writeCtx, cancel := context.WithTimeout(ctx, directWriteTimeout)
	defer cancel()
	if err := r.store.Create(writeCtx, a); err != nil {
		r.logger.Error("Settlement anomaly lost",
			"anomaly_id", a.ID, "kind", a.Kind, "user_id", a.UserID, "feature", a.Feature,
			"cost_cents", a.CostCents, "model", a.Model, "error", err)
	}
}

func (r *Recorder) persist(ctx context.Context, batch []models.SettlementAnomaly) error {
	for i := range batch {
		if err := r.store.Create(ctx, &batch[i]); err != nil {
			return fmt.Errorf("failed to persist anomaly %s: %w", batch[i].ID, err)
		}
	}
	r.logger.Debug("Anomalies persisted", "count", len(batch))
	return nil
}
