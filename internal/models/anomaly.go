package models

import (
	"time"

	"github.com/google/uuid"
)

// AnomalyKind classifies a settlement anomaly.
type AnomalyKind string

const (
	// AnomalyUnbilled means content was generated but the debit was refused.
	AnomalyUnbilled AnomalyKind = "unbilled"
	// AnomalySettleError means the settlement transaction failed outright.
	AnomalySettleError AnomalyKind = "settle_error"
)

// SettlementAnomaly records a completed external call whose settlement did
// not go through. Every row is revenue that needs an operator decision.
type SettlementAnomaly struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	Kind             AnomalyKind `db:"kind" json:"kind"`
	UserID           string      `db:"user_id" json:"user_id"`
	Feature          Feature     `db:"feature" json:"feature"`
	Model            string      `db:"model" json:"model"`
	PromptTokens     int         `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int         `db:"completion_tokens" json:"completion_tokens"`
	CostCents        int64       `db:"cost_cents" json:"cost_cents"`
	CorrelationID    *string     `db:"correlation_id" json:"correlation_id,omitempty"`
	Error            string      `db:"error" json:"error"`
	Resolved         bool        `db:"resolved" json:"resolved"`
	OccurredAt       time.Time   `db:"occurred_at" json:"occurred_at"`
	ResolvedAt       *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
}
