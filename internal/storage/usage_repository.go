package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"llm_wallet/internal/models"
)

const usageEventColumns = `id, user_id, feature, model, prompt_tokens, completion_tokens, cost_cents,
	success, correlation_id, metadata, created_at`

// UsageRepository reads usage events and quota counters
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// QuotaUsage is a user's call count for one feature in the current period.
type QuotaUsage struct {
	PlanTier  models.PlanTier
	PeriodKey string
	Count     int64
}

func insertUsageEvent(ctx context.Context, db *DB, ext sqlx.ExecerContext, event *models.UsageEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	query := db.rebind(`
		INSERT INTO usage_events (` + usageEventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := ext.ExecContext(ctx, query,
		event.ID, event.UserID, event.Feature, event.Model,
		event.PromptTokens, event.CompletionTokens, event.CostCents,
		event.Success, event.CorrelationID, event.Metadata, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// GetQuotaUsage returns the count for the period the user is in at the
// current time. Users without an account are counted as free tier.
func (r *UsageRepository) GetQuotaUsage(ctx context.Context, userID string, feature models.Feature) (*QuotaUsage, error) {
	tx, err := r.db.beginSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := r.db.clock()
	account, err := NewLedgerRepository(r.db).getAccount(ctx, tx, userID, false)
	if errors.Is(err, ErrAccountNotFound) {
		account = &models.WalletAccount{UserID: userID, PlanTier: models.PlanFree}
	} else if err != nil {
		return nil, err
	}

	usage := &QuotaUsage{PlanTier: account.PlanTier, PeriodKey: account.PeriodKey(now)}
	query := r.db.rebind(`
		SELECT call_count FROM feature_quota_counters
		WHERE user_id = ? AND feature = ? AND period_key = ?
	`)
	err = tx.GetContext(ctx, &usage.Count, query, userID, feature, usage.PeriodKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get quota counter: %w", err)
	}
	return usage, nil
}

// ListCounters returns every counter of a user, newest period first
func (r *UsageRepository) ListCounters(ctx context.Context, userID string) ([]*models.FeatureQuotaCounter, error) {
	var counters []*models.FeatureQuotaCounter
	query := r.db.rebind(`
		SELECT user_id, feature, period_key, call_count, updated_at
		FROM feature_quota_counters
		WHERE user_id = ?
		ORDER BY updated_at DESC, feature
	`)
	if err := r.db.conn.SelectContext(ctx, &counters, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list quota counters: %w", err)
	}
	return counters, nil
}

// ListEvents returns a user's most recent usage events
func (r *UsageRepository) ListEvents(ctx context.Context, userID string, limit int) ([]*models.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []*models.UsageEvent
	query := r.db.rebind(`
		SELECT ` + usageEventColumns + ` FROM usage_events
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`)
	if err := r.db.conn.SelectContext(ctx, &events, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	return events, nil
}

// Report aggregates successful usage per feature over [From, To).
func (r *UsageRepository) Report(ctx context.Context, filter models.UsageReportFilter) ([]*models.FeatureUsageSummary, error) {
	if !filter.From.Before(filter.To) {
		return nil, fmt.Errorf("report range is empty: %s to %s", filter.From, filter.To)
	}

	query := `
		SELECT feature,
		       COUNT(*) AS calls,
		       COUNT(DISTINCT correlation_id) AS distinct_runs,
		       COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
		       COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
		       COALESCE(SUM(cost_cents), 0) AS cost_cents
		FROM usage_events
		WHERE success = ? AND created_at >= ? AND created_at < ?`
	args := []interface{}{true, normalizeTime(filter.From), normalizeTime(filter.To)}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` GROUP BY feature ORDER BY feature`

	var rows []*models.FeatureUsageSummary
	if err := r.db.conn.SelectContext(ctx, &rows, r.db.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to build usage report: %w", err)
	}
	return rows, nil
}
