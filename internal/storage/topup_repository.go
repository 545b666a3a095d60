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

// TopUpRepository handles top-up lot persistence
type TopUpRepository struct {
	db *DB
}

// NewTopUpRepository creates a new top-up repository
func NewTopUpRepository(db *DB) *TopUpRepository {
	return &TopUpRepository{db: db}
}

// GetBySourceKey retrieves the lot created for a payment
func (r *TopUpRepository) GetBySourceKey(ctx context.Context, sourceKey string) (*models.TopUpLot, error) {
	return r.getBySourceKey(ctx, r.db.conn, sourceKey)
}

func (r *TopUpRepository) getBySourceKey(ctx context.Context, q sqlx.QueryerContext, sourceKey string) (*models.TopUpLot, error) {
	var lot models.TopUpLot
	query := r.db.rebind(`SELECT ` + lotColumns + ` FROM topup_lots WHERE source_key = ?`)
	if err := sqlx.GetContext(ctx, q, &lot, query, sourceKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLotNotFound
		}
		return nil, fmt.Errorf("failed to get top-up lot: %w", err)
	}
	return &lot, nil
}

// CreateIfAbsent stores a new lot unless one already exists for its source
// key. The lookup and the insert share a transaction and the unique
// constraint on source_key settles any race between concurrent callers.
// created is false when the payment was already credited.
func (r *TopUpRepository) CreateIfAbsent(ctx context.Context, lot *models.TopUpLot) (bool, error) {
	if lot.AmountCents <= 0 {
		return false, fmt.Errorf("top-up amount must be positive: %d", lot.AmountCents)
	}
	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}

	now := r.db.clock()
	if lot.PurchasedAt.IsZero() {
		lot.PurchasedAt = now
	}
	lot.PurchasedAt = normalizeTime(lot.PurchasedAt)
	lot.ExpiresAt = models.LotExpiry(lot.PurchasedAt)

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	existing, err := r.getBySourceKey(ctx, tx, lot.SourceKey)
	switch {
	case err == nil:
		return false, sameOwner(existing, lot.UserID)
	case !errors.Is(err, ErrLotNotFound):
		return false, err
	}

	if err := ensureAccount(ctx, r.db, tx, lot.UserID, now); err != nil {
		return false, err
	}

	query := r.db.rebind(`
		INSERT INTO topup_lots (id, user_id, source_key, amount_cents, used_cents, purchased_at, expires_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (source_key) DO NOTHING
	`)
	res, err := tx.ExecContext(ctx, query, lot.ID, lot.UserID, lot.SourceKey, lot.AmountCents, lot.PurchasedAt, lot.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert top-up lot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		// Lost the race to a concurrent reconcile of the same payment.
		existing, err := r.getBySourceKey(ctx, tx, lot.SourceKey)
		if err != nil {
			return false, err
		}
		return false, sameOwner(existing, lot.UserID)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit top-up lot: %w", err)
	}
	lot.UsedCents = 0
	return true, nil
}

func sameOwner(existing *models.TopUpLot, userID string) error {
	if existing.UserID != userID {
		return fmt.Errorf("%w: %s", ErrSourceKeyConflict, existing.SourceKey)
	}
	return nil
}

// ListByUser returns every lot of a user in draw-down order
func (r *TopUpRepository) ListByUser(ctx context.Context, userID string) ([]*models.TopUpLot, error) {
	var lots []*models.TopUpLot
	query := r.db.rebind(`SELECT ` + lotColumns + ` FROM topup_lots WHERE user_id = ? ORDER BY expires_at, seq, id`)
	if err := r.db.conn.SelectContext(ctx, &lots, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list top-up lots: %w", err)
	}
	return lots, nil
}
