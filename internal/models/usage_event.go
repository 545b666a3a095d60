package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageEvent is an append-only record of one settled metered operation.
type UsageEvent struct {
	ID               uuid.UUID `db:"id" json:"id"`
	UserID           string    `db:"user_id" json:"user_id"`
	Feature          Feature   `db:"feature" json:"feature"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	CostCents        int64     `db:"cost_cents" json:"cost_cents"`
	Success          bool      `db:"success" json:"success"`
	CorrelationID    *string   `db:"correlation_id" json:"correlation_id,omitempty"`
	Metadata         JSONB     `db:"metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// FeatureQuotaCounter counts successful calls of one feature in one period.
type FeatureQuotaCounter struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Feature   Feature   `db:"feature" json:"feature"`
	PeriodKey string    `db:"period_key" json:"period_key"`
	Count     int64     `db:"call_count" json:"count"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// FeatureUsageSummary aggregates usage events of one feature.
type FeatureUsageSummary struct {
	Feature          Feature `db:"feature" json:"feature"`
	Calls            int64   `db:"calls" json:"calls"`
	DistinctRuns     int64   `db:"distinct_runs" json:"distinct_runs"`
	PromptTokens     int64   `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64   `db:"completion_tokens" json:"completion_tokens"`
	CostCents        int64   `db:"cost_cents" json:"cost_cents"`
}

// UsageReportFilter selects usage events for reporting. From is inclusive,
// To exclusive. An empty UserID covers all users.
type UsageReportFilter struct {
	UserID string
	From   time.Time
	To     time.Time
}
