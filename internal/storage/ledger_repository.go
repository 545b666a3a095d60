package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"llm_wallet/internal/ledger"
	"llm_wallet/internal/models"
)

const accountColumns = `user_id, plan_tier, monthly_allowance_cents, monthly_used_cents,
	period_start, created_at, updated_at`

const lotColumns = `id, seq, user_id, source_key, amount_cents, used_cents, purchased_at, expires_at`

// LedgerRepository is the SQL implementation of the wallet ledger
type LedgerRepository struct {
	db *DB
}

var _ ledger.Store = (*LedgerRepository)(nil)

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// SettleRequest describes one completed metered operation to charge.
type SettleRequest struct {
	UserID           string
	Feature          models.Feature
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostCents        int64
	CorrelationID    *string
	Metadata         models.JSONB
}

// EnsureAccount creates a free-tier account with no allowance if the user
// has none yet. Existing accounts are left untouched.
func (r *LedgerRepository) EnsureAccount(ctx context.Context, userID string) error {
	return ensureAccount(ctx, r.db, r.db.conn, userID, r.db.clock())
}

func ensureAccount(ctx context.Context, db *DB, ext sqlx.ExtContext, userID string, now time.Time) error {
	query := db.rebind(`
		INSERT INTO wallet_accounts (user_id, plan_tier, monthly_allowance_cents, monthly_used_cents,
		                             period_start, created_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`)
	if _, err := ext.ExecContext(ctx, query, userID, models.PlanFree, now, now, now); err != nil {
		return fmt.Errorf("failed to ensure wallet account: %w", err)
	}
	return nil
}

// GetAccount retrieves a wallet account
func (r *LedgerRepository) GetAccount(ctx context.Context, userID string) (*models.WalletAccount, error) {
	return r.getAccount(ctx, r.db.conn, userID, false)
}

func (r *LedgerRepository) getAccount(ctx context.Context, q sqlx.QueryerContext, userID string, lock bool) (*models.WalletAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM wallet_accounts WHERE user_id = ?`
	if lock {
		query += r.db.forUpdate()
	}

	var account models.WalletAccount
	if err := sqlx.GetContext(ctx, q, &account, r.db.rebind(query), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get wallet account: %w", err)
	}
	return &account, nil
}

// listLots returns a user's lots in draw-down order. With spendableOnly,
// exhausted lots are skipped; expiry is always judged by the caller.
func (r *LedgerRepository) listLots(ctx context.Context, q sqlx.QueryerContext, userID string, spendableOnly, lock bool) ([]*models.TopUpLot, error) {
	query := `SELECT ` + lotColumns + ` FROM topup_lots WHERE user_id = ?`
	if spendableOnly {
		query += ` AND used_cents < amount_cents`
	}
	query += ` ORDER BY expires_at, seq, id`
	if lock {
		query += r.db.forUpdate()
	}

	var lots []*models.TopUpLot
	if err := sqlx.SelectContext(ctx, q, &lots, r.db.rebind(query), userID); err != nil {
		return nil, fmt.Errorf("failed to list top-up lots: %w", err)
	}
	return lots, nil
}

// GetAvailableBalance returns the spendable balance from one snapshot.
// A user without an account has nothing to spend.
func (r *LedgerRepository) GetAvailableBalance(ctx context.Context, userID string) (int64, error) {
	tx, err := r.db.beginSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := r.db.clock()
	account, err := r.getAccount(ctx, tx, userID, false)
	if errors.Is(err, ErrAccountNotFound) {
		account = nil
	} else if err != nil {
		return 0, err
	}

	lots, err := r.listLots(ctx, tx, userID, true, false)
	if err != nil {
		return 0, err
	}

	return ledger.AvailableBalance(account, lots, now), nil
}

// GetWallet returns the account with every lot, spent and expired included.
func (r *LedgerRepository) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	tx, err := r.db.beginSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := r.getAccount(ctx, tx, userID, false)
	if err != nil {
		return nil, err
	}
	lots, err := r.listLots(ctx, tx, userID, false, false)
	if err != nil {
		return nil, err
	}
	return &models.Wallet{Account: account, Lots: lots}, nil
}

// Debit charges amountCents in its own transaction
func (r *LedgerRepository) Debit(ctx context.Context, userID string, amountCents int64) (bool, error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, _, err := r.debitTx(ctx, tx, userID, amountCents, r.db.clock())
	if err != nil || !ok {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit debit: %w", err)
	}
	return true, nil
}

// debitTx locks the account row and then the user's lots, plans the draw
// down and writes it. The lock scope is exactly this read-then-write.
func (r *LedgerRepository) debitTx(ctx context.Context, tx *sqlx.Tx, userID string, amountCents int64, now time.Time) (bool, *models.WalletAccount, error) {
	account, err := r.getAccount(ctx, tx, userID, true)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	lots, err := r.listLots(ctx, tx, userID, true, true)
	if err != nil {
		return false, nil, err
	}

	plan, err := ledger.PlanDrawDown(account, lots, amountCents, now)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return false, account, nil
	}
	if err != nil {
		return false, nil, err
	}

	if plan.MonthlyCents > 0 {
		query := r.db.rebind(`
			UPDATE wallet_accounts
			SET monthly_used_cents = monthly_used_cents + ?, updated_at = ?
			WHERE user_id = ? AND monthly_used_cents + ? <= monthly_allowance_cents
		`)
		res, err := tx.ExecContext(ctx, query, plan.MonthlyCents, now, userID, plan.MonthlyCents)
		if err != nil {
			return false, nil, fmt.Errorf("failed to debit monthly allowance: %w", err)
		}
		if err := expectOneRow(res); err != nil {
			return false, nil, err
		}
	}

	lotQuery := r.db.rebind(`
		UPDATE topup_lots
		SET used_cents = used_cents + ?
		WHERE id = ? AND used_cents + ? <= amount_cents
	`)
	for _, a := range plan.Lots {
		res, err := tx.ExecContext(ctx, lotQuery, a.Cents, a.LotID, a.Cents)
		if err != nil {
			return false, nil, fmt.Errorf("failed to debit top-up lot %s: %w", a.LotID, err)
		}
		if err := expectOneRow(res); err != nil {
			return false, nil, err
		}
	}

	plan.Apply(account, lots)
	return true, account, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n != 1 {
		return ErrConcurrentUpdate
	}
	return nil
}

// SettleUsage debits the cost, bumps the feature counter for the current
// period and appends the usage event, all in one transaction. ok is false,
// with nothing written, when the wallet cannot cover the cost.
func (r *LedgerRepository) SettleUsage(ctx context.Context, req *SettleRequest) (*models.UsageEvent, bool, error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := r.db.clock()
	ok, account, err := r.debitTx(ctx, tx, req.UserID, req.CostCents, now)
	if err != nil || !ok {
		return nil, false, err
	}

	counterQuery := r.db.rebind(`
		INSERT INTO feature_quota_counters (user_id, feature, period_key, call_count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (user_id, feature, period_key)
		DO UPDATE SET call_count = feature_quota_counters.call_count + 1, updated_at = excluded.updated_at
	`)
	if _, err := tx.ExecContext(ctx, counterQuery, req.UserID, req.Feature, account.PeriodKey(now), now); err != nil {
		return nil, false, fmt.Errorf("failed to increment quota counter: %w", err)
	}

	event := &models.UsageEvent{
		ID:               uuid.New(),
		UserID:           req.UserID,
		Feature:          req.Feature,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		CostCents:        req.CostCents,
		Success:          true,
		CorrelationID:    req.CorrelationID,
		Metadata:         req.Metadata,
		CreatedAt:        now,
	}
	if err := insertUsageEvent(ctx, r.db, tx, event); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return event, true, nil
}

// ResetMonthlyAllowance starts a new billing cycle for the user, creating
// the account if needed. An empty tier keeps the current tier.
func (r *LedgerRepository) ResetMonthlyAllowance(ctx context.Context, userID string, allowanceCents int64, tier models.PlanTier) error {
	if allowanceCents < 0 {
		return fmt.Errorf("allowance must not be negative: %d", allowanceCents)
	}
	if tier != "" && !tier.Valid() {
		return fmt.Errorf("unknown plan tier %q", tier)
	}

	keepTier := tier == ""
	insertTier := tier
	if keepTier {
		insertTier = models.PlanFree
	}

	now := r.db.clock()
	query := r.db.rebind(`
		INSERT INTO wallet_accounts (user_id, plan_tier, monthly_allowance_cents, monthly_used_cents,
		                             period_start, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_tier = CASE WHEN ? THEN wallet_accounts.plan_tier ELSE excluded.plan_tier END,
			monthly_allowance_cents = excluded.monthly_allowance_cents,
			monthly_used_cents = 0,
			period_start = excluded.period_start,
			updated_at = excluded.updated_at
	`)
	if _, err := r.db.conn.ExecContext(ctx, query, userID, insertTier, allowanceCents, now, now, now, keepTier); err != nil {
		return fmt.Errorf("failed to reset monthly allowance: %w", err)
	}
	return nil
}
