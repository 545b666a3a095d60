// Package ledger holds the wallet balance rules shared by every store:
// what counts as available credit and in which order a debit consumes it.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"llm_wallet/internal/models"
)

var (
	// ErrInsufficientBalance is returned when the sources cannot cover a debit
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for negative debit amounts
	ErrInvalidAmount = errors.New("invalid debit amount")
)

// Allocation is the part of a debit charged to one lot.
type Allocation struct {
	LotID uuid.UUID
	Cents int64
}

// DrawDown is the plan for one debit.
type DrawDown struct {
	MonthlyCents int64
	Lots         []Allocation
}

// Total returns the amount covered by the plan.
func (d DrawDown) Total() int64 {
	total := d.MonthlyCents
	for _, a := range d.Lots {
		total += a.Cents
	}
	return total
}

// SpendableLots returns the lots with credit left at now, in draw-down
// order: soonest expiry first, then creation order, then ID.
func SpendableLots(lots []*models.TopUpLot, now time.Time) []*models.TopUpLot {
	out := make([]*models.TopUpLot, 0, len(lots))
	for _, l := range lots {
		if l.Active(now) && l.Remaining() > 0 {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

// AvailableBalance is the unspent monthly allowance plus the remaining
// credit of every unexpired lot.
func AvailableBalance(account *models.WalletAccount, lots []*models.TopUpLot, now time.Time) int64 {
	total := account.MonthlyRemaining()
	for _, l := range SpendableLots(lots, now) {
		total += l.Remaining()
	}
	return total
}

// PlanDrawDown decides how amount is taken from the wallet: monthly
// allowance first, then lots in SpendableLots order. It never plans a
// partial debit.
func PlanDrawDown(account *models.WalletAccount, lots []*models.TopUpLot, amount int64, now time.Time) (DrawDown, error) {
	if amount < 0 {
		return DrawDown{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if amount == 0 {
		return DrawDown{}, nil
	}

	spendable := SpendableLots(lots, now)
	if avail := AvailableBalance(account, spendable, now); avail < amount {
		return DrawDown{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientBalance, amount, avail)
	}

	var plan DrawDown
	left := amount

	if monthly := account.MonthlyRemaining(); monthly > 0 {
		plan.MonthlyCents = min(monthly, left)
		left -= plan.MonthlyCents
	}

	for _, l := range spendable {
		if left == 0 {
			break
		}
		take := min(l.Remaining(), left)
		plan.Lots = append(plan.Lots, Allocation{LotID: l.ID, Cents: take})
		left -= take
	}

	return plan, nil
}

// Apply records the plan on in-memory copies of the account and lots.
// Stores use it to keep their returned values in step with what they wrote.
func (d DrawDown) Apply(account *models.WalletAccount, lots []*models.TopUpLot) {
	account.MonthlyUsedCents += d.MonthlyCents
	byID := make(map[uuid.UUID]*models.TopUpLot, len(lots))
	for _, l := range lots {
		byID[l.ID] = l
	}
	for _, a := range d.Lots {
		if l, ok := byID[a.LotID]; ok {
			l.UsedCents += a.Cents
		}
	}
}
