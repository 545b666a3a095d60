package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_wallet/internal/models"
)

// dailyKeyTTL keeps a day's counter around past midnight in every timezone
const dailyKeyTTL = 48 * time.Hour

// DailyCounter counts successful calls per user, feature and UTC day in
// Redis. It backs the optional per-day caps on top of the monthly ones.
type DailyCounter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewDailyCounter creates a counter on the given Redis client
func NewDailyCounter(client redis.UniversalClient) *DailyCounter {
	return &DailyCounter{client: client, now: time.Now}
}

func (c *DailyCounter) key(userID string, feature models.Feature) string {
	return fmt.Sprintf("quota:daily:%s:%s:%s", userID, feature, c.now().UTC().Format("2006-01-02"))
}

// Get returns today's count
func (c *DailyCounter) Get(ctx context.Context, userID string, feature models.Feature) (int64, error) {
	n, err := c.client.Get(ctx, c.key(userID, feature)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily counter: %w", err)
	}
	return n, nil
}

// Incr records one successful call and returns the new count
func (c *DailyCounter) Incr(ctx context.Context, userID string, feature models.Feature) (int64, error) {
	key := c.key(userID, feature)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, dailyKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment daily counter: %w", err)
	}
	return incr.Val(), nil
}
