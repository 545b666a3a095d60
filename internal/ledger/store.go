package ledger

import (
	"context"

	"llm_wallet/internal/models"
)

// Store is the wallet system of record.
type Store interface {
	// GetAvailableBalance reads the balance from one consistent snapshot.
	GetAvailableBalance(ctx context.Context, userID string) (int64, error)

	// Debit atomically charges amountCents using the draw-down order.
	// ok is false, with no change made, when the balance cannot cover it.
	Debit(ctx context.Context, userID string, amountCents int64) (ok bool, err error)

	// ResetMonthlyAllowance starts a new billing cycle: the used counter goes
	// to zero and the allowance is replaced in one step. An empty tier keeps
	// the current one.
	ResetMonthlyAllowance(ctx context.Context, userID string, allowanceCents int64, tier models.PlanTier) error

	// GetWallet returns the account with all of its lots.
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
}
