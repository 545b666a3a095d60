package quota

import (
	"context"
	"fmt"
	"time"

	"llm_wallet/internal/models"
	"llm_wallet/internal/pricing"
	"llm_wallet/internal/storage"
	"llm_wallet/internal/utils"
)

// UsageSource reads the persisted call count of the user's current period
type UsageSource interface {
	GetQuotaUsage(ctx context.Context, userID string, feature models.Feature) (*storage.QuotaUsage, error)
}

// Gate checks feature caps before a metered call. It never increments:
// monthly counts move only inside settlement, daily counts after it.
type Gate struct {
	usage   UsageSource
	pricing *pricing.Registry
	daily   *DailyCounter
	logger  *utils.Logger
}

// NewGate creates a quota gate. daily may be nil, in which case daily caps
// are not enforced.
func NewGate(usage UsageSource, registry *pricing.Registry, daily *DailyCounter) *Gate {
	return &Gate{
		usage:   usage,
		pricing: registry,
		daily:   daily,
		logger:  utils.NewLogger("quota"),
	}
}

// CheckAndWouldAllow reports whether one more successful call of feature
// would stay within the user's plan caps.
func (g *Gate) CheckAndWouldAllow(ctx context.Context, userID string, feature models.Feature) (bool, error) {
	if !feature.Valid() {
		return false, fmt.Errorf("unknown feature %q", feature)
	}

	usage, err := g.usage.GetQuotaUsage(ctx, userID, feature)
	if err != nil {
		return false, err
	}

	plan, err := g.pricing.Current().Plan(usage.PlanTier)
	if err != nil {
		return false, err
	}
	limit := plan.Cap(feature)

	if limit.Disabled {
		return false, nil
	}
	if limit.Monthly > 0 && usage.Count >= limit.Monthly {
		g.logger.Debug("Monthly cap reached", "user_id", userID, "feature", feature, "count", usage.Count, "cap", limit.Monthly)
		return false, nil
	}

	if g.daily != nil && limit.Daily > 0 {
		today, err := g.daily.Get(ctx, userID, feature)
		if err != nil {
			return false, err
		}
		if today >= limit.Daily {
			g.logger.Debug("Daily cap reached", "user_id", userID, "feature", feature, "count", today, "cap", limit.Daily)
			return false, nil
		}
	}

	return true, nil
}

// recordTimeout bounds the daily counter bump once it is detached from the request
const recordTimeout = 2 * time.Second

// RecordSuccess bumps the daily counter after a settled call. Like the
// settlement it follows, it ignores the caller's cancellation: a client
// that disconnects after being charged still uses up its daily call. A
// failure here only loosens the daily cap, so it is logged and not returned.
func (g *Gate) RecordSuccess(ctx context.Context, userID string, feature models.Feature) {
	if g.daily == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if _, err := g.daily.Incr(ctx, userID, feature); err != nil {
		g.logger.Warn("Failed to record daily usage", "user_id", userID, "feature", feature, "error", err)
	}
}
