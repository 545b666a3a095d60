package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWalletAccount_MonthlyRemaining(t *testing.T) {
	tests := []struct {
		name      string
		allowance int64
		used      int64
		want      int64
	}{
		{"unused", 500, 0, 500},
		{"partly used", 500, 120, 380},
		{"exhausted", 500, 500, 0},
		{"over-used after allowance cut", 200, 350, 0},
		{"no allowance", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &WalletAccount{MonthlyAllowanceCents: tt.allowance, MonthlyUsedCents: tt.used}
			assert.Equal(t, tt.want, a.MonthlyRemaining())
		})
	}
}

func TestWalletAccount_PeriodKey(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

	free := &WalletAccount{PlanTier: PlanFree, PeriodStart: time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "2026-10", free.PeriodKey(now))

	sub := &WalletAccount{PlanTier: PlanSubscriber, PeriodStart: time.Date(2026, 9, 20, 14, 0, 0, 0, time.UTC)}
	assert.Equal(t, "cycle-2026-09-20", sub.PeriodKey(now))

	var missing *WalletAccount
	assert.Equal(t, "2026-10", missing.PeriodKey(now))
}

func TestTopUpLot_ActiveAndRemaining(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	lot := &TopUpLot{AmountCents: 300, UsedCents: 120, ExpiresAt: now}

	assert.True(t, lot.Active(now), "lot expiring exactly now is spendable")
	assert.False(t, lot.Active(now.Add(time.Microsecond)))
	assert.Equal(t, int64(180), lot.Remaining())

	lot.UsedCents = 300
	assert.Equal(t, int64(0), lot.Remaining())
}

func TestLotExpiry(t *testing.T) {
	purchased := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 2, 10, 8, 0, 0, 0, time.UTC), LotExpiry(purchased))
}

func TestFeatureAndPlanValidity(t *testing.T) {
	assert.True(t, FeatureChat.Valid())
	assert.False(t, Feature("astrology").Valid())
	assert.True(t, PlanSubscriber.Valid())
	assert.False(t, PlanTier("gold").Valid())
}
