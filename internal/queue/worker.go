package queue

import (
	"context"
	"fmt"
	"time"

	"llm_wallet/internal/utils"
)

// Handler processes one batch. Returning an error retries the whole batch,
// so handlers must be idempotent per item.
type Handler[T any] func(ctx context.Context, batch []T) error

// drainTimeout bounds the final flush on Stop
const drainTimeout = 10 * time.Second

// Worker drains a queue in batches, retrying failed batches with
// exponential backoff and parking them in the dead letter queue once
// retries are exhausted.
type Worker[T any] struct {
	name        string
	queue       Queue[T]
	dlq         DeadLetterQueue[T]
	handle      Handler[T]
	config      *Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a worker. dlq may be nil, in which case exhausted
// batches are logged and dropped.
func NewWorker[T any](name string, q Queue[T], dlq DeadLetterQueue[T], handle Handler[T], config *Config) *Worker[T] {
	if config == nil {
		config = DefaultConfig(name)
	}

	return &Worker[T]{
		name:        name,
		queue:       q,
		dlq:         dlq,
		handle:      handle,
		config:      config,
		logger:      utils.NewLogger(name + "-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *Worker[T]) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker after flushing what is already queued
func (w *Worker[T]) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Enqueue adds an item to the worker's queue
func (w *Worker[T]) Enqueue(ctx context.Context, item T) error {
	return w.queue.Enqueue(ctx, item)
}

func (w *Worker[T]) run(ctx context.Context) {
	defer close(w.stoppedChan)

	// waitCtx only interrupts the blocking dequeue on Stop; handlers keep
	// ctx so an in-flight batch is not failed by shutdown.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker stopping, draining queue")
			w.drain()
			return
		case <-ctx.Done():
			w.logger.Info("Worker context cancelled")
			return
		default:
			w.processBatch(ctx, waitCtx, w.config.BatchTimeout)
		}
	}
}

// drain processes whatever is queued right now on a fresh context, since
// the run context may already be cancelled during shutdown.
func (w *Worker[T]) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for ctx.Err() == nil {
		n, err := w.queue.Length(ctx)
		if err != nil || n == 0 {
			return
		}
		if w.processBatch(ctx, ctx, time.Second) == 0 {
			return
		}
	}
}

// processBatch handles one batch and returns how many items it dequeued
func (w *Worker[T]) processBatch(ctx, waitCtx context.Context, timeout time.Duration) int {
	items, err := w.queue.DequeueWithTimeout(waitCtx, w.config.BatchSize, timeout)
	if err != nil {
		if waitCtx.Err() != nil {
			return 0
		}
		w.logger.Error("Failed to dequeue", "queue", w.name, "error", err)
		if len(items) == 0 {
			w.sleep(ctx, time.Second) // Back off on error
			return 0
		}
	}

	if len(items) == 0 {
		return 0
	}

	w.logger.Debug("Processing batch", "queue", w.name, "count", len(items))
	if err := w.processWithRetry(ctx, items); err != nil {
		w.logger.Error("Batch failed", "queue", w.name, "count", len(items), "error", err)
	}
	return len(items)
}

func (w *Worker[T]) processWithRetry(ctx context.Context, items []T) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying batch", "queue", w.name, "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
		}

		if err := w.handle(ctx, items); err != nil {
			lastErr = err
			w.logger.Warn("Batch attempt failed", "queue", w.name, "attempt", attempt, "error", err)
			continue
		}
		return nil
	}

	w.deadLetter(items, lastErr)
	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// deadLetter parks a failed batch. It uses its own context so items are
// not lost when the failure was a cancelled run context.
func (w *Worker[T]) deadLetter(items []T, cause error) {
	if w.dlq == nil {
		w.logger.Error("Dropping failed batch, no dead letter queue", "queue", w.name, "count", len(items))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, item := range items {
		if err := w.dlq.Add(ctx, item, cause); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "queue", w.name, "error", err)
		}
	}
	w.logger.Warn("Batch moved to DLQ", "queue", w.name, "count", len(items), "error", cause)
}

func (w *Worker[T]) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return true
	}
}

// GetQueueLength returns the current queue length
func (w *Worker[T]) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *Worker[T]) GetDeadLetterItems(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem moves a parked item back onto the queue
func (w *Worker[T]) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dlItem.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return ErrItemNotFound
}
