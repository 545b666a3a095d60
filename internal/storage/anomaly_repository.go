package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"llm_wallet/internal/models"
)

const anomalyColumns = `id, kind, user_id, feature, model, prompt_tokens, completion_tokens, cost_cents,
	correlation_id, error, resolved, occurred_at, resolved_at`

// AnomalyRepository persists settlement anomalies
type AnomalyRepository struct {
	db *DB
}

// NewAnomalyRepository creates a new anomaly repository
func NewAnomalyRepository(db *DB) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

// Create stores an anomaly. Creating the same ID twice is a no-op so a
// redelivered queue item is not recorded twice.
func (r *AnomalyRepository) Create(ctx context.Context, a *models.SettlementAnomaly) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = r.db.clock()
	}
	a.OccurredAt = normalizeTime(a.OccurredAt)

	query := r.db.rebind(`
		INSERT INTO settlement_anomalies (` + anomalyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	_, err := r.db.conn.ExecContext(ctx, query,
		a.ID, a.Kind, a.UserID, a.Feature, a.Model, a.PromptTokens, a.CompletionTokens, a.CostCents,
		a.CorrelationID, a.Error, a.Resolved, a.OccurredAt, a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create settlement anomaly: %w", err)
	}
	return nil
}

// ListUnresolved returns open anomalies, oldest first
func (r *AnomalyRepository) ListUnresolved(ctx context.Context, limit int) ([]*models.SettlementAnomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	var anomalies []*models.SettlementAnomaly
	query := r.db.rebind(`
		SELECT ` + anomalyColumns + ` FROM settlement_anomalies
		WHERE resolved = ?
		ORDER BY occurred_at, id
		LIMIT ?
	`)
	if err := r.db.conn.SelectContext(ctx, &anomalies, query, false, limit); err != nil {
		return nil, fmt.Errorf("failed to list settlement anomalies: %w", err)
	}
	return anomalies, nil
}

// AnomalySummary is the open anomaly backlog
type AnomalySummary struct {
	Count     int64 `db:"open_count"`
	CostCents int64 `db:"open_cost_cents"`
}

// SummarizeUnresolved counts open anomalies and the revenue they represent
func (r *AnomalyRepository) SummarizeUnresolved(ctx context.Context) (*AnomalySummary, error) {
	var s AnomalySummary
	query := r.db.rebind(`
		SELECT COUNT(*) AS open_count, COALESCE(SUM(cost_cents), 0) AS open_cost_cents
		FROM settlement_anomalies
		WHERE resolved = ?
	`)
	if err := r.db.conn.GetContext(ctx, &s, query, false); err != nil {
		return nil, fmt.Errorf("failed to summarize settlement anomalies: %w", err)
	}
	return &s, nil
}

// Resolve marks an anomaly as handled by an operator
func (r *AnomalyRepository) Resolve(ctx context.Context, id uuid.UUID) error {
	query := r.db.rebind(`
		UPDATE settlement_anomalies SET resolved = ?, resolved_at = ?
		WHERE id = ? AND resolved = ?
	`)
	res, err := r.db.conn.ExecContext(ctx, query, true, r.db.clock(), id, false)
	if err != nil {
		return fmt.Errorf("failed to resolve settlement anomaly: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrAnomalyNotFound
	}
	return nil
}
