package httpapi

import (
	"context"

	"llm_wallet/internal/queue"
)

// QueueAdmin exposes a background worker's queue to operators
type QueueAdmin interface {
	Length(ctx context.Context) (int, error)
	DeadLetters(ctx context.Context, maxItems int) (any, error)
	Retry(ctx context.Context, id string) error
}

type workerAdmin[T any] struct {
	worker *queue.Worker[T]
}

// NewQueueAdmin adapts a typed worker to QueueAdmin
func NewQueueAdmin[T any](w *queue.Worker[T]) QueueAdmin {
	return workerAdmin[T]{worker: w}
}

func (a workerAdmin[T]) Length(ctx context.Context) (int, error) {
	return a.worker.GetQueueLength(ctx)
}

func (a workerAdmin[T]) DeadLetters(ctx context.Context, maxItems int) (any, error) {
	items, err := a.worker.GetDeadLetterItems(ctx, maxItems)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []queue.DeadLetterItem[T]{}
	}
	return items, nil
}

func (a workerAdmin[T]) Retry(ctx context.Context, id string) error {
	return a.worker.RetryDeadLetterItem(ctx, id)
}
