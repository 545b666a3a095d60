package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Package queue carries work that must not block or fail a metered request
// out of the request path:
//
//	┌──────────────┐        ┌──────────────┐
//	│  Settlement  │        │  Settlement  │
//	│  (anomaly)   │        │  (success)   │
//	└──────┬───────┘        └──────┬───────┘
//	       ▼                       ▼
//	┌──────────────┐        ┌──────────────┐
//	│ Anomaly      │        │ Export       │
//	│ Queue        │        │ Queue        │
//	└──────┬───────┘        └──────┬───────┘
//	       ▼                       ▼
//	┌──────────────┐        ┌──────────────┐
//	│ Worker       │        │ Worker       │
//	│ (batches)    │        │ (batches)    │
//	└──────┬───────┘        └──────┬───────┘
//	       │ (retry)               │ (retry)
//	       ├─────────┐             ├─────────┐
//	       ▼         ▼             ▼         ▼
//	 ┌──────────┐ ┌─────┐    ┌──────────┐ ┌─────┐
//	 │ DB       │ │ DLQ │    │ S3 JSONL │ │ DLQ │
//	 └──────────┘ └─────┘    └──────────┘ └─────┘
//
// Two backends: an in-memory channel for single-instance deployments and
// Redis lists, which survive restarts and can be shared by several workers.

// Queue is a FIFO of typed items
type Queue[T any] interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item T) error

	// DequeueWithTimeout waits up to timeout for the first item, then takes
	// whatever else is immediately available up to maxItems. An empty slice
	// means the timeout passed.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue
	Close() error
}

// DeadLetterQueue holds items that exhausted their retries
type DeadLetterQueue[T any] interface {
	// Add adds a failed item with the error that made it fail
	Add(ctx context.Context, item T, err error) error

	// List retrieves items, oldest first. maxItems <= 0 means all.
	List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error)

	// Remove removes an item by ID
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis selects Redis lists instead of the in-memory queue
	UseRedis bool

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		UseRedis:     false,
		QueueName:    queueName,
	}
}

// New builds the queue and dead letter queue selected by config. client
// is required when config.UseRedis is set.
func New[T any](config *Config, client redis.UniversalClient) (Queue[T], DeadLetterQueue[T], error) {
	if config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	if !config.UseRedis {
		return NewMemoryQueue[T](config), NewMemoryDeadLetterQueue[T](), nil
	}
	if client == nil {
		return nil, nil, fmt.Errorf("queue %q: redis client is required", config.QueueName)
	}
	return NewRedisQueue[T](client, config), NewRedisDeadLetterQueue[T](client, config), nil
}
