package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_wallet/internal/models"
)

func addLot(t *testing.T, db *DB, userID string, amount int64, expiresIn time.Duration) *models.TopUpLot {
	t.Helper()
	lot := &models.TopUpLot{
		UserID:      userID,
		SourceKey:   newSourceKey(),
		AmountCents: amount,
		PurchasedAt: purchasedFor(expiresIn),
	}
	created, err := db.NewTopUpRepository().CreateIfAbsent(context.Background(), lot)
	require.NoError(t, err)
	require.True(t, created)
	return lot
}

func lotByID(t *testing.T, wallet *models.Wallet, lot *models.TopUpLot) *models.TopUpLot {
	t.Helper()
	for _, l := range wallet.Lots {
		if l.ID == lot.ID {
			return l
		}
	}
	t.Fatalf("lot %s not in wallet", lot.ID)
	return nil
}

func TestLedger_DrawDownOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		repo := db.NewLedgerRepository()
		user := newUserID()

		require.NoError(t, repo.ResetMonthlyAllowance(ctx, user, 100, models.PlanSubscriber))
		late := addLot(t, db, user, 300, 60*24*time.Hour)
		soon := addLot(t, db, user, 200, 10*24*time.Hour)

		balance, err := repo.GetAvailableBalance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(600), balance)

		ok, err := repo.Debit(ctx, user, 150)
		require.NoError(t, err)
		require.True(t, ok)

		wallet, err := repo.GetWallet(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(100), wallet.Account.MonthlyUsedCents)
		assert.Equal(t, int64(50), lotByID(t, wallet, soon).UsedCents)
		assert.Equal(t, int64(0), lotByID(t, wallet, late).UsedCents)

		balance, err = repo.GetAvailableBalance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(450), balance)
	})
}

func TestLedger_NoOverdraftUnderConcurrency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		repo := db.NewLedgerRepository()
		user := newUserID()

		const n = 20
		const b = int64(100)
		// (n-1)*b + b/2 split across the allowance and two lots
		require.NoError(t, repo.ResetMonthlyAllowance(ctx, user, 700, models.PlanSubscriber))
		addLot(t, db, user, 800, 5*24*time.Hour)
		addLot(t, db, user, (n-1)*b+b/2-1500, 90*24*time.Hour)

		var succeeded, failed atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, err := repo.Debit(ctx, user, b)
				if !assert.NoError(t, err) {
					return
				}
				if ok {
					succeeded.Add(1)
				} else {
					failed.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(n-1), succeeded.Load())
		assert.Equal(t, int32(1), failed.Load())

		balance, err := repo.GetAvailableBalance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, b/2, balance)
	})
}

func TestLedger_DebitIsAllOrNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		repo := db.NewLedgerRepository()
		user := newUserID()

		require.NoError(t, repo.ResetMonthlyAllowance(ctx, user, 40, models.PlanSubscriber))
		l := addLot(t, db, user, 50, 24*time.Hour)

		ok, err := repo.Debit(ctx, user, 91)
		require.NoError(t, err)
		assert.False(t, ok)

		wallet, err := repo.GetWallet(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(0), wallet.Account.MonthlyUsedCents)
		assert.Equal(t, int64(0), lotByID(t, wallet, l).UsedCents)

		ok, err = repo.Debit(ctx, user, 90)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestLedger_ExpiredLotsExcluded(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		repo := db.NewLedgerRepository()
		user := newUserID()

		expired := addLot(t, db, user, 500, -time.Hour)
		addLot(t, db, user, 120, 24*time.Hour)

		balance, err := repo.GetAvailableBalance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(120), balance)

		ok, err := repo.Debit(ctx, user, 121)
		require.NoError(t, err)
		assert.False(t, ok, "expired credit must not be spendable")

		wallet, err := repo.GetWallet(ctx, user)
		require.NoError(t, err)
		assert.Len(t, wallet.Lots, 2, "expired lots are kept for audit")
		assert.Equal(t, int64(0), lotByID(t, wallet, expired).UsedCents)
	})
}

func TestLedger_MissingAccount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		repo := db.NewLedgerRepository()
		user := newUserID()

		balance, err := repo.GetAvailableBalance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)

		ok, err := repo.Debit(ctx, user, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = repo.GetWallet(ctx, user)
		assert.ErrorIs(t, err, ErrAccountNotFound)

		require.NoError(t, repo.EnsureAccount(ctx, user))
		require.NoError(t, repo.EnsureAccount(ctx, user))
		account, err := repo.GetAccount(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, models.PlanFree, account.PlanTier)
		assert.Equal(t, int64(0), account.MonthlyAllowanceCents)
	})
}

func TestLedger_ResetMonthlyAllowance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		repo := db.NewLedgerRepository()
		user := newUserID()

		require.NoError(t, repo.ResetMonthlyAllowance(ctx, user, 500, models.PlanSubscriber))
		ok, err := repo.Debit(ctx, user, 320)
		require.NoError(t, err)
		require.True(t, ok)

		renewal := testNow.Add(30 * 24 * time.Hour)
		db.SetClock(func() time.Time { return renewal })

		require.NoError(t, repo.ResetMonthlyAllowance(ctx, user, 800, ""))
		account, err := repo.GetAccount(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(800), account.MonthlyAllowanceCents)
		assert.Equal(t, int64(0), account.MonthlyUsedCents)
		assert.Equal(t, models.PlanSubscriber, account.PlanTier, "empty tier keeps the current one")
		assert.True(t, account.PeriodStart.Equal(renewal))

		require.NoError(t, repo.ResetMonthlyAllowance(ctx, user, 0, models.PlanFree))
		account, err = repo.GetAccount(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, models.PlanFree, account.PlanTier)

		assert.Error(t, repo.ResetMonthlyAllowance(ctx, user, -1, ""))
		assert.Error(t, repo.ResetMonthlyAllowance(ctx, user, 10, "gold"))
	})
}

func TestLedger_SettleUsage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		repo := db.NewLedgerRepository()
		usage := db.NewUsageRepository()
		user := newUserID()

		require.NoError(t, repo.ResetMonthlyAllowance(ctx, user, 100, models.PlanSubscriber))
		run := "scan-42"

		event, ok, err := repo.SettleUsage(ctx, &SettleRequest{
			UserID:           user,
			Feature:          models.FeatureFoodAnalysis,
			Model:            "gpt-4o-mini",
			PromptTokens:     1200,
			CompletionTokens: 300,
			CostCents:        60,
			CorrelationID:    &run,
			Metadata:         models.JSONB{"source": "camera"},
		})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(60), event.CostCents)

		q, err := usage.GetQuotaUsage(ctx, user, models.FeatureFoodAnalysis)
		require.NoError(t, err)
		assert.Equal(t, int64(1), q.Count)
		assert.Equal(t, models.PlanSubscriber, q.PlanTier)

		// second call cannot be covered: nothing is written
		_, ok, err = repo.SettleUsage(ctx, &SettleRequest{
			UserID:    user,
			Feature:   models.FeatureFoodAnalysis,
			Model:     "gpt-4o-mini",
			CostCents: 41,
		})
		require.NoError(t, err)
		assert.False(t, ok)

		q, err = usage.GetQuotaUsage(ctx, user, models.FeatureFoodAnalysis)
		require.NoError(t, err)
		assert.Equal(t, int64(1), q.Count)

		events, err := usage.ListEvents(ctx, user, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, event.ID, events[0].ID)
		assert.True(t, events[0].Success)
		require.NotNil(t, events[0].CorrelationID)
		assert.Equal(t, "scan-42", *events[0].CorrelationID)
		assert.Equal(t, "camera", events[0].Metadata["source"])

		balance, err := repo.GetAvailableBalance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(40), balance)
	})
}

func TestLedger_QuotaPeriodFollowsBillingCycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		repo := db.NewLedgerRepository()
		usage := db.NewUsageRepository()
		user := newUserID()

		require.NoError(t, repo.ResetMonthlyAllowance(ctx, user, 1000, models.PlanSubscriber))
		for i := 0; i < 3; i++ {
			_, ok, err := repo.SettleUsage(ctx, &SettleRequest{UserID: user, Feature: models.FeatureChat, Model: "m", CostCents: 1})
			require.NoError(t, err)
			require.True(t, ok)
		}

		q, err := usage.GetQuotaUsage(ctx, user, models.FeatureChat)
		require.NoError(t, err)
		assert.Equal(t, int64(3), q.Count)

		db.SetClock(func() time.Time { return testNow.Add(31 * 24 * time.Hour) })
		require.NoError(t, repo.ResetMonthlyAllowance(ctx, user, 1000, ""))

		q, err = usage.GetQuotaUsage(ctx, user, models.FeatureChat)
		require.NoError(t, err)
		assert.Equal(t, int64(0), q.Count, "renewal starts a fresh quota period")

		counters, err := usage.ListCounters(ctx, user)
		require.NoError(t, err)
		assert.Len(t, counters, 1)
	})
}

func TestForUpdateClause(t *testing.T) {
	assert.Equal(t, " FOR NO KEY UPDATE", (&DB{driver: DriverPostgres}).forUpdate())
	assert.Empty(t, (&DB{driver: DriverSQLite}).forUpdate())
}

func TestLedger_AccountLockDoesNotBlockTopUps(t *testing.T) {
	db := newPostgresDB(t)
	ctx := context.Background()
	user := newUserID()
	ledger := db.NewLedgerRepository()
	require.NoError(t, ledger.ResetMonthlyAllowance(ctx, user, 100, models.PlanSubscriber))

	// Hold the account row the way a debit does
	tx, err := db.beginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = ledger.getAccount(ctx, tx, user, true)
	require.NoError(t, err)

	insertCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	created, err := db.NewTopUpRepository().CreateIfAbsent(insertCtx, &models.TopUpLot{UserID: user, SourceKey: newSourceKey(), AmountCents: 500})
	require.NoError(t, err, "top-up waited for the account lock")
	assert.True(t, created)
}
