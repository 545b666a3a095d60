package models

import (
	"time"

	"github.com/google/uuid"
)

// LotLifetimeMonths is how long purchased credit stays spendable.
const LotLifetimeMonths = 12

// WalletAccount holds a user's subscription allowance for the current
// billing cycle. One row per user.
type WalletAccount struct {
	UserID                string    `db:"user_id" json:"user_id"`
	PlanTier              PlanTier  `db:"plan_tier" json:"plan_tier"`
	MonthlyAllowanceCents int64     `db:"monthly_allowance_cents" json:"monthly_allowance_cents"`
	MonthlyUsedCents      int64     `db:"monthly_used_cents" json:"monthly_used_cents"`
	PeriodStart           time.Time `db:"period_start" json:"period_start"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
}

// MonthlyRemaining returns the unspent allowance, never negative.
func (a *WalletAccount) MonthlyRemaining() int64 {
	if a == nil || a.MonthlyUsedCents >= a.MonthlyAllowanceCents {
		return 0
	}
	return a.MonthlyAllowanceCents - a.MonthlyUsedCents
}

// PeriodKey identifies the quota period that now falls into. Subscribers
// count from the start of their billing cycle, free users by calendar month.
func (a *WalletAccount) PeriodKey(now time.Time) string {
	if a != nil && a.PlanTier == PlanSubscriber && !a.PeriodStart.IsZero() {
		return "cycle-" + a.PeriodStart.UTC().Format("2006-01-02")
	}
	return now.UTC().Format("2006-01")
}

// TopUpLot is a block of purchased credit. AmountCents never changes after
// creation and UsedCents only grows.
type TopUpLot struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Seq         int64     `db:"seq" json:"seq"`
	UserID      string    `db:"user_id" json:"user_id"`
	SourceKey   string    `db:"source_key" json:"source_key"`
	AmountCents int64     `db:"amount_cents" json:"amount_cents"`
	UsedCents   int64     `db:"used_cents" json:"used_cents"`
	PurchasedAt time.Time `db:"purchased_at" json:"purchased_at"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
}

// Remaining returns the unspent amount of the lot, never negative.
func (l *TopUpLot) Remaining() int64 {
	if l.UsedCents >= l.AmountCents {
		return 0
	}
	return l.AmountCents - l.UsedCents
}

// Active reports whether the lot can still be spent at now. A lot expiring
// exactly at now is still active.
func (l *TopUpLot) Active(now time.Time) bool {
	return !l.ExpiresAt.Before(now)
}

// LotExpiry returns the expiry of a lot purchased at purchasedAt.
func LotExpiry(purchasedAt time.Time) time.Time {
	return purchasedAt.AddDate(0, LotLifetimeMonths, 0)
}

// Wallet is an account together with all of its lots.
type Wallet struct {
	Account *WalletAccount `json:"account"`
	Lots    []*TopUpLot    `json:"lots"`
}
