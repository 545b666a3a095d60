package ledger

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_wallet/internal/models"
)

var now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func lot(seq int64, amount, used int64, expiresIn time.Duration) *models.TopUpLot {
	return &models.TopUpLot{
		ID:          uuid.New(),
		Seq:         seq,
		AmountCents: amount,
		UsedCents:   used,
		ExpiresAt:   now.Add(expiresIn),
	}
}

func TestPlanDrawDown_MonthlyFirstThenSoonestExpiring(t *testing.T) {
	account := &models.WalletAccount{MonthlyAllowanceCents: 100}
	late := lot(1, 300, 0, 60*24*time.Hour)
	soon := lot(2, 200, 0, 10*24*time.Hour)

	plan, err := PlanDrawDown(account, []*models.TopUpLot{late, soon}, 150, now)
	require.NoError(t, err)

	assert.Equal(t, int64(100), plan.MonthlyCents)
	require.Len(t, plan.Lots, 1)
	assert.Equal(t, soon.ID, plan.Lots[0].LotID)
	assert.Equal(t, int64(50), plan.Lots[0].Cents)
	assert.Equal(t, int64(150), plan.Total())

	plan.Apply(account, []*models.TopUpLot{late, soon})
	assert.Equal(t, int64(100), account.MonthlyUsedCents)
	assert.Equal(t, int64(50), soon.UsedCents)
	assert.Equal(t, int64(0), late.UsedCents)
}

func TestPlanDrawDown_SpansLots(t *testing.T) {
	account := &models.WalletAccount{MonthlyAllowanceCents: 100, MonthlyUsedCents: 100}
	a := lot(1, 50, 20, 24*time.Hour)
	b := lot(2, 100, 0, 48*time.Hour)

	plan, err := PlanDrawDown(account, []*models.TopUpLot{b, a}, 80, now)
	require.NoError(t, err)

	assert.Equal(t, int64(0), plan.MonthlyCents)
	assert.Equal(t, []Allocation{{LotID: a.ID, Cents: 30}, {LotID: b.ID, Cents: 50}}, plan.Lots)
}

func TestPlanDrawDown_TieBreakByCreationOrder(t *testing.T) {
	account := &models.WalletAccount{}
	expiry := 30 * 24 * time.Hour
	second := lot(7, 100, 0, expiry)
	first := lot(3, 100, 0, expiry)

	plan, err := PlanDrawDown(account, []*models.TopUpLot{second, first}, 120, now)
	require.NoError(t, err)

	assert.Equal(t, []Allocation{{LotID: first.ID, Cents: 100}, {LotID: second.ID, Cents: 20}}, plan.Lots)
}

func TestPlanDrawDown_NoPartialDebit(t *testing.T) {
	account := &models.WalletAccount{MonthlyAllowanceCents: 40}
	l := lot(1, 50, 0, time.Hour)

	plan, err := PlanDrawDown(account, []*models.TopUpLot{l}, 91, now)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, DrawDown{}, plan)

	plan, err = PlanDrawDown(account, []*models.TopUpLot{l}, 90, now)
	require.NoError(t, err)
	assert.Equal(t, int64(90), plan.Total())
}

func TestPlanDrawDown_ZeroAndNegative(t *testing.T) {
	account := &models.WalletAccount{}

	plan, err := PlanDrawDown(account, nil, 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), plan.Total())

	_, err = PlanDrawDown(account, nil, -5, now)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAvailableBalance_ExcludesExpiredLots(t *testing.T) {
	account := &models.WalletAccount{MonthlyAllowanceCents: 100, MonthlyUsedCents: 30}
	expired := lot(1, 500, 100, -time.Minute)
	expiringNow := lot(2, 200, 0, 0)
	exhausted := lot(3, 100, 100, time.Hour)

	lots := []*models.TopUpLot{expired, expiringNow, exhausted}
	assert.Equal(t, int64(70+200), AvailableBalance(account, lots, now))

	_, err := PlanDrawDown(account, lots, 271, now)
	assert.ErrorIs(t, err, ErrInsufficientBalance, "expired credit must not be drawn")
}

func TestAvailableBalance_NilAccount(t *testing.T) {
	assert.Equal(t, int64(200), AvailableBalance(nil, []*models.TopUpLot{lot(1, 200, 0, time.Hour)}, now))
}

// Random sequences of grants and debits never spend more than was granted,
// and every lot stays within 0 <= used <= amount.
func TestPlanDrawDown_BalanceInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		account := &models.WalletAccount{MonthlyAllowanceCents: rng.Int63n(500)}
		granted := account.MonthlyAllowanceCents
		var lots []*models.TopUpLot
		var spent int64

		for step := 0; step < 50; step++ {
			if rng.Intn(4) == 0 {
				amount := 1 + rng.Int63n(300)
				lots = append(lots, lot(int64(len(lots)), amount, 0, time.Duration(1+rng.Intn(1000))*time.Hour))
				granted += amount
				continue
			}

			before := AvailableBalance(account, lots, now)
			amount := rng.Int63n(200)
			plan, err := PlanDrawDown(account, lots, amount, now)
			if err != nil {
				require.ErrorIs(t, err, ErrInsufficientBalance)
				require.Greater(t, amount, before)
				continue
			}
			require.Equal(t, amount, plan.Total())
			plan.Apply(account, lots)
			spent += amount

			require.Equal(t, before-amount, AvailableBalance(account, lots, now))
		}

		require.LessOrEqual(t, spent, granted)
		require.LessOrEqual(t, account.MonthlyUsedCents, account.MonthlyAllowanceCents)
		for _, l := range lots {
			require.GreaterOrEqual(t, l.UsedCents, int64(0))
			require.LessOrEqual(t, l.UsedCents, l.AmountCents)
		}
	}
}
