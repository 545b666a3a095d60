package storage

import (
	"context"
	"fmt"
)

// Both schemas carry the same columns. Lot seq is the creation order used
// to break ties between lots expiring at the same instant.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS wallet_accounts (
		user_id                 TEXT PRIMARY KEY,
		plan_tier               TEXT NOT NULL DEFAULT 'free',
		monthly_allowance_cents BIGINT NOT NULL DEFAULT 0 CHECK (monthly_allowance_cents >= 0),
		monthly_used_cents      BIGINT NOT NULL DEFAULT 0 CHECK (monthly_used_cents >= 0),
		period_start            TIMESTAMPTZ NOT NULL,
		created_at              TIMESTAMPTZ NOT NULL,
		updated_at              TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS topup_lots (
		id           UUID PRIMARY KEY,
		seq          BIGSERIAL NOT NULL,
		user_id      TEXT NOT NULL REFERENCES wallet_accounts (user_id),
		source_key   TEXT NOT NULL,
		amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
		used_cents   BIGINT NOT NULL DEFAULT 0,
		purchased_at TIMESTAMPTZ NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL,
		CONSTRAINT topup_lots_source_key_key UNIQUE (source_key),
		CONSTRAINT topup_lots_used_within_amount CHECK (used_cents >= 0 AND used_cents <= amount_cents)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_topup_lots_user_expiry ON topup_lots (user_id, expires_at, seq)`,
	`CREATE TABLE IF NOT EXISTS feature_quota_counters (
		user_id    TEXT NOT NULL,
		feature    TEXT NOT NULL,
		period_key TEXT NOT NULL,
		call_count BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, feature, period_key)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		id                UUID PRIMARY KEY,
		user_id           TEXT NOT NULL,
		feature           TEXT NOT NULL,
		model             TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		cost_cents        BIGINT NOT NULL,
		success           BOOLEAN NOT NULL,
		correlation_id    TEXT,
		metadata          JSONB,
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_user_created ON usage_events (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_created ON usage_events (created_at)`,
	`CREATE TABLE IF NOT EXISTS settlement_anomalies (
		id                UUID PRIMARY KEY,
		kind              TEXT NOT NULL,
		user_id           TEXT NOT NULL,
		feature           TEXT NOT NULL,
		model             TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		cost_cents        BIGINT NOT NULL,
		correlation_id    TEXT,
		error             TEXT NOT NULL,
		resolved          BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at       TIMESTAMPTZ NOT NULL,
		resolved_at       TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_settlement_anomalies_open ON settlement_anomalies (resolved, occurred_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS wallet_accounts (
		user_id                 TEXT PRIMARY KEY,
		plan_tier               TEXT NOT NULL DEFAULT 'free',
		monthly_allowance_cents INTEGER NOT NULL DEFAULT 0 CHECK (monthly_allowance_cents >= 0),
		monthly_used_cents      INTEGER NOT NULL DEFAULT 0 CHECK (monthly_used_cents >= 0),
		period_start            TIMESTAMP NOT NULL,
		created_at              TIMESTAMP NOT NULL,
		updated_at              TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS topup_lots (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		user_id      TEXT NOT NULL REFERENCES wallet_accounts (user_id),
		source_key   TEXT NOT NULL UNIQUE,
		amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
		used_cents   INTEGER NOT NULL DEFAULT 0,
		purchased_at TIMESTAMP NOT NULL,
		expires_at   TIMESTAMP NOT NULL,
		CHECK (used_cents >= 0 AND used_cents <= amount_cents)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_topup_lots_user_expiry ON topup_lots (user_id, expires_at, seq)`,
	`CREATE TABLE IF NOT EXISTS feature_quota_counters (
		user_id    TEXT NOT NULL,
		feature    TEXT NOT NULL,
		period_key TEXT NOT NULL,
		call_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, feature, period_key)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		feature           TEXT NOT NULL,
		model             TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		cost_cents        INTEGER NOT NULL,
		success           BOOLEAN NOT NULL,
		correlation_id    TEXT,
		metadata          TEXT,
		created_at        TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_user_created ON usage_events (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_created ON usage_events (created_at)`,
	`CREATE TABLE IF NOT EXISTS settlement_anomalies (
		id                TEXT PRIMARY KEY,
		kind              TEXT NOT NULL,
		user_id           TEXT NOT NULL,
		feature           TEXT NOT NULL,
		model             TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		cost_cents        INTEGER NOT NULL,
		correlation_id    TEXT,
		error             TEXT NOT NULL,
		resolved          BOOLEAN NOT NULL DEFAULT 0,
		occurred_at       TIMESTAMP NOT NULL,
		resolved_at       TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_settlement_anomalies_open ON settlement_anomalies (resolved, occurred_at)`,
}

// Migrate creates any missing tables and indexes. It is safe to run on
// every start.
func (db *DB) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if db.driver == DriverSQLite {
		schema = sqliteSchema
	}

	for i, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
