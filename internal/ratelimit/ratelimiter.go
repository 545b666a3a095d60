package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter is used to enforce per-user request rates in front of metered
// operations. A limit of zero or less means unlimited.
type Limiter interface {
	Allow(ctx context.Context, userID string, limit int) (bool, error)
}

// NoopLimiter allows all requests. Used when Redis is disabled.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(ctx context.Context, userID string, limit int) (bool, error) {
	return true, nil
}

// DefaultWindow is the sliding window requests are counted over
const DefaultWindow = time.Minute

// slidingWindowScript trims the window, admits the request only if the
// count stays within the limit, and reports the remaining slots and the
// instant the oldest admitted request leaves the window.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)

	local allowed = 0
	if count < limit then
		redis.call('ZADD', key, now, member)
		count = count + 1
		allowed = 1
	end
	redis.call('PEXPIRE', key, window * 2)

	local reset = now + window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end

	return {allowed, limit - count, reset}
`)

// RateLimiter implements distributed rate limiting using Redis
type RateLimiter struct {
	client redis.UniversalClient
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter over DefaultWindow
func NewRateLimiter(client redis.UniversalClient) *RateLimiter {
	return &RateLimiter{client: client, window: DefaultWindow, now: time.Now}
}

func keyFor(userID string) string {
	return fmt.Sprintf("ratelimit:%s", userID)
}

// Allow checks if a request should be allowed for the given user
func (rl *RateLimiter) Allow(ctx context.Context, userID string, limit int) (bool, error) {
	allowed, _, _, err := rl.AllowWithDetails(ctx, userID, limit)
	return allowed, err
}

// AllowWithDetails checks and records a request in one atomic step.
// remaining is -1 and resetAt is zero when there is no limit.
func (rl *RateLimiter) AllowWithDetails(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	now := rl.now().UnixMilli()
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{keyFor(userID)},
		now, rl.window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check returned %d values", len(res))
	}

	return res[0] == 1, int(res[1]), time.UnixMilli(res[2]), nil
}

// GetCurrentUsage returns the current request count in the window
func (rl *RateLimiter) GetCurrentUsage(ctx context.Context, userID string) (int64, error) {
	key := keyFor(userID)
	windowStart := rl.now().Add(-rl.window)

	// Remove old entries
	if err := rl.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli())).Err(); err != nil {
		return 0, fmt.Errorf("failed to clean old entries: %w", err)
	}

	count, err := rl.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get current usage: %w", err)
	}

	return count, nil
}

// Reset resets the rate limit for a user
func (rl *RateLimiter) Reset(ctx context.Context, userID string) error {
	return rl.client.Del(ctx, keyFor(userID)).Err()
}
