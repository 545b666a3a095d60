// Package export ships settled usage events to the analytics warehouse.
package export

import (
	"context"
	"time"

	"llm_wallet/internal/metrics"
	"llm_wallet/internal/models"
	"llm_wallet/internal/queue"
	"llm_wallet/internal/utils"
)

// enqueueTimeout bounds how long Publish may hold up a settlement
const enqueueTimeout = 2 * time.Second

// BatchWriter stores a batch of usage events somewhere durable
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []models.UsageEvent) (string, error)
}

// Sink buffers settled usage events and writes them in batches. The
// ledger's usage_events table stays the system of record; a lost export
// can be rebuilt from it.
type Sink struct {
	writer  BatchWriter
	worker  *queue.Worker[models.UsageEvent]
	metrics *metrics.Metrics
	logger  *utils.Logger
}

// NewSink creates a sink whose worker drains q into writer
func NewSink(writer BatchWriter, q queue.Queue[models.UsageEvent], dlq queue.DeadLetterQueue[models.UsageEvent], config *queue.Config, m *metrics.Metrics) *Sink {
	s := &Sink{
		writer:  writer,
		metrics: m,
		logger:  utils.NewLogger("export"),
	}
	s.worker = queue.NewWorker[models.UsageEvent]("export", q, dlq, s.write, config)
	return s
}

// Start starts the export worker
func (s *Sink) Start(ctx context.Context) {
	s.worker.Start(ctx)
}

// Stop flushes buffered events and stops the worker
func (s *Sink) Stop() error {
	return s.worker.Stop()
}

// Worker exposes the queue worker for dead letter inspection
func (s *Sink) Worker() *queue.Worker[models.UsageEvent] {
	return s.worker
}

// Publish queues a settled event. Export is best effort: an event that
// cannot be queued within enqueueTimeout is dropped and counted, and the
// request that produced it is never failed or held up.
func (s *Sink) Publish(ctx context.Context, event *models.UsageEvent) {
	if event == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	if err := s.worker.Enqueue(ctx, *event); err != nil {
		s.metrics.RecordExportDropped()
		s.logger.Warn("Usage event dropped from export", "event_id", event.ID, "error", err)
	}
}

func (s *Sink) write(ctx context.Context, batch []models.UsageEvent) error {
	if _, err := s.writer.WriteBatch(ctx, batch); err != nil {
		return err
	}
	s.metrics.RecordExported(len(batch))
	return nil
}

// NoopSink discards events; used when export is disabled
type NoopSink struct{}

// NewNoopSink creates a sink that discards events
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

// Publish discards the event
func (s *NoopSink) Publish(ctx context.Context, event *models.UsageEvent) {}
