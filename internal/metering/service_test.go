package metering

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_wallet/internal/billing"
	"llm_wallet/internal/metrics"
	"llm_wallet/internal/models"
	"llm_wallet/internal/pricing"
	"llm_wallet/internal/providers"
	"llm_wallet/internal/quota"
	"llm_wallet/internal/storage"
)

const testPricing = `
models:
  - model: gpt-4o-mini
    provider: openai
    input_cents_per_mtok: 15
    output_cents_per_mtok: 60
  - model: claude-3-5-haiku
    provider: anthropic
    input_cents_per_mtok: 80
    output_cents_per_mtok: 400
plans:
  free:
    monthly_allowance_cents: 0
    features:
      food_analysis: {monthly: 3}
  subscriber:
    monthly_allowance_cents: 500
    features:
      food_analysis: {monthly: 100}
`

func testRegistry(t *testing.T) *pricing.Registry {
	t.Helper()
	table, err := pricing.Parse([]byte(testPricing))
	require.NoError(t, err)
	return pricing.NewRegistry(table, "")
}

type fakeQuota struct {
	allow     bool
	err       error
	successes int
}

func (f *fakeQuota) CheckAndWouldAllow(ctx context.Context, userID string, feature models.Feature) (bool, error) {
	return f.allow, f.err
}

func (f *fakeQuota) RecordSuccess(ctx context.Context, userID string, feature models.Feature) {
	f.successes++
}

type fakeBalance struct {
	cents int64
	err   error
}

func (f fakeBalance) GetAvailableBalance(ctx context.Context, userID string) (int64, error) {
	return f.cents, f.err
}

type mockRunner struct {
	mu        sync.Mutex
	calls     int
	maxTokens int
	result    *RunResult
	err       error
}

func (m *mockRunner) Run(ctx context.Context, price pricing.ModelPrice, userID string, messages []models.Message, cappedMaxTokens int) (*RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.maxTokens = cappedMaxTokens
	if m.err != nil {
		return nil, m.err
	}
	r := *m.result
	r.Model = price.Model
	r.CostCents = price.CostCents(r.PromptTokens, r.CompletionTokens)
	return &r, nil
}

type settleCall struct {
	userID    string
	feature   models.Feature
	costCents int64
	meta      billing.SettleMetadata
}

type spySettler struct {
	calls []settleCall
	ok    bool
	err   error
}

func (s *spySettler) Settle(ctx context.Context, userID string, feature models.Feature, costCents int64, meta billing.SettleMetadata) (bool, error) {
	s.calls = append(s.calls, settleCall{userID, feature, costCents, meta})
	return s.ok, s.err
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, userID string, limit int) (bool, error) {
	return false, nil
}

var question = []models.Message{{Role: models.RoleUser, Content: "Is oatmeal a good breakfast?"}}

func newTestService(t *testing.T, q *fakeQuota, balance fakeBalance, runner *mockRunner, settler *spySettler) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Pricing: testRegistry(t),
		Quota:   q,
		Balance: balance,
		Runner:  runner,
		Settler: settler,
		Metrics: metrics.New(),
	})
	require.NoError(t, err)
	return svc
}

func baseRequest() Request {
	return Request{
		UserID:        "u1",
		Feature:       models.FeatureFoodAnalysis,
		Model:         "gpt-4o-mini",
		Messages:      question,
		MaxTokens:     500,
		CorrelationID: "run-1",
	}
}

func TestExecute_Success(t *testing.T) {
	q := &fakeQuota{allow: true}
	runner := &mockRunner{result: &RunResult{Text: "Yes.", PromptTokens: 20_000, CompletionTokens: 400}}
	settler := &spySettler{ok: true}
	svc := newTestService(t, q, fakeBalance{cents: 1000}, runner, settler)

	res, err := svc.Execute(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, billing.OutcomeSuccess, res.Outcome.Kind)
	assert.NoError(t, res.Outcome.Err())
	assert.Equal(t, "Yes.", res.Text)
	assert.Equal(t, 500, runner.maxTokens, "ample balance leaves the request uncapped")

	// 20000*15 + 400*60 = 324000 micro-cents, rounded up to 1 cent
	require.Len(t, settler.calls, 1)
	assert.Equal(t, int64(1), settler.calls[0].costCents)
	assert.Equal(t, "run-1", settler.calls[0].meta.CorrelationID)
	assert.Equal(t, 20_000, settler.calls[0].meta.PromptTokens)
	require.NotNil(t, res.Outcome.Charge)
	assert.Equal(t, int64(1), res.Outcome.Charge.CostCents)
	assert.Equal(t, 1, q.successes)
}

func TestExecute_CapsMaxTokensToBalance(t *testing.T) {
	runner := &mockRunner{result: &RunResult{PromptTokens: 10, CompletionTokens: 10}}
	svc := newTestService(t, &fakeQuota{allow: true}, fakeBalance{cents: 1}, runner, &spySettler{ok: true})

	req := baseRequest()
	req.Model = "claude-3-5-haiku"
	req.MaxTokens = 100_000

	res, err := svc.Execute(context.Background(), req)
	require.NoError(t, err)

	table := testRegistry(t).Current()
	price, err := table.Lookup("claude-3-5-haiku")
	require.NoError(t, err)
	want := billing.CapMaxTokens(price, withEstimateMargin(table.EstimatePromptTokens("claude-3-5-haiku", question)), 100_000, 1)

	assert.Equal(t, want, runner.maxTokens)
	assert.Equal(t, want, res.CappedMaxTokens)
	assert.Less(t, want, 2500)
}

func TestWithEstimateMargin(t *testing.T) {
	tests := []struct {
		estimate int
		want     int
	}{
		{0, 0},
		{1, 2},
		{10, 11},
		{11, 13},
		{1000, 1100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, withEstimateMargin(tt.estimate), "estimate %d", tt.estimate)
	}
}

func TestExecute_NoChargeWithoutSuccess(t *testing.T) {
	providerErr := errors.New("upstream timeout")

	tests := []struct {
		name       string
		quota      *fakeQuota
		balance    fakeBalance
		runnerErr  error
		wantKind   billing.OutcomeKind
		wantErr    error
		wantCalled bool
	}{
		{"quota exhausted", &fakeQuota{allow: false}, fakeBalance{cents: 1000}, nil, billing.OutcomeQuotaExceeded, billing.ErrQuotaExceeded, false},
		{"empty wallet", &fakeQuota{allow: true}, fakeBalance{cents: 0}, nil, billing.OutcomeInsufficientCredits, billing.ErrInsufficientCredits, false},
		{"provider failed", &fakeQuota{allow: true}, fakeBalance{cents: 1000}, providerErr, billing.OutcomeExternalFailure, billing.ErrExternalCallFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{result: &RunResult{Text: "x", PromptTokens: 1, CompletionTokens: 1}, err: tt.runnerErr}
			settler := &spySettler{ok: true}
			svc := newTestService(t, tt.quota, tt.balance, runner, settler)

			res, err := svc.Execute(context.Background(), baseRequest())
			require.NoError(t, err)

			assert.Equal(t, tt.wantKind, res.Outcome.Kind)
			assert.ErrorIs(t, res.Outcome.Err(), tt.wantErr)
			assert.Nil(t, res.Outcome.Charge)
			assert.Empty(t, res.Text)
			assert.Empty(t, settler.calls, "nothing may be settled")
			assert.Equal(t, tt.wantCalled, runner.calls == 1)
			assert.Zero(t, tt.quota.successes)
		})
	}
}

func TestExecute_ProviderErrorIsPreserved(t *testing.T) {
	providerErr := errors.New("upstream timeout")
	runner := &mockRunner{err: providerErr}
	svc := newTestService(t, &fakeQuota{allow: true}, fakeBalance{cents: 100}, runner, &spySettler{ok: true})

	res, err := svc.Execute(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Outcome.Err(), providerErr)
}

func TestExecute_BillingFailedWithholdsContent(t *testing.T) {
	tests := []struct {
		name    string
		settler *spySettler
	}{
		{"balance spent concurrently", &spySettler{ok: false}},
		{"settlement error", &spySettler{err: errors.New("db down")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuota{allow: true}
			runner := &mockRunner{result: &RunResult{Text: "secret answer", PromptTokens: 5, CompletionTokens: 5}}
			svc := newTestService(t, q, fakeBalance{cents: 100}, runner, tt.settler)

			res, err := svc.Execute(context.Background(), baseRequest())
			require.NoError(t, err)

			assert.Equal(t, billing.OutcomeBillingFailed, res.Outcome.Kind)
			assert.ErrorIs(t, res.Outcome.Err(), billing.ErrBillingFailed)
			assert.Empty(t, res.Text)
			assert.Zero(t, q.successes)
		})
	}
}

func TestExecute_RateLimited(t *testing.T) {
	runner := &mockRunner{result: &RunResult{}}
	settler := &spySettler{ok: true}
	svc, err := NewService(Config{
		Pricing:   testRegistry(t),
		Quota:     &fakeQuota{allow: true},
		Balance:   fakeBalance{cents: 100},
		Runner:    runner,
		Settler:   settler,
		Limiter:   denyLimiter{},
		RateLimit: 10,
	})
	require.NoError(t, err)

	res, err := svc.Execute(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeRateLimited, res.Outcome.Kind)
	assert.ErrorIs(t, res.Outcome.Err(), billing.ErrRateLimited)
	assert.Zero(t, runner.calls)
}

func TestExecute_Errors(t *testing.T) {
	t.Run("invalid request", func(t *testing.T) {
		svc := newTestService(t, &fakeQuota{allow: true}, fakeBalance{}, &mockRunner{}, &spySettler{})
		for _, mutate := range []func(*Request){
			func(r *Request) { r.UserID = "" },
			func(r *Request) { r.Feature = "astrology" },
			func(r *Request) { r.MaxTokens = 0 },
			func(r *Request) { r.Messages = nil },
			func(r *Request) { r.Model = "unpriced-model" },
		} {
			req := baseRequest()
			mutate(&req)
			_, err := svc.Execute(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		}
	})

	t.Run("store failures", func(t *testing.T) {
		boom := errors.New("boom")
		svc := newTestService(t, &fakeQuota{err: boom}, fakeBalance{cents: 100}, &mockRunner{}, &spySettler{})
		_, err := svc.Execute(context.Background(), baseRequest())
		assert.ErrorIs(t, err, boom)

		svc = newTestService(t, &fakeQuota{allow: true}, fakeBalance{err: boom}, &mockRunner{}, &spySettler{})
		_, err = svc.Execute(context.Background(), baseRequest())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("missing collaborators", func(t *testing.T) {
		_, err := NewService(Config{})
		assert.Error(t, err)
	})
}

type scriptedProvider struct {
	name string
	out  *providers.Completion
	err  error
}

func (p scriptedProvider) Name() string { return p.name }

func (p scriptedProvider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.Completion, error) {
	return p.out, p.err
}

// The whole pipeline against a real SQLite ledger
func TestExecute_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := storage.DefaultDBConfig()
	cfg.Driver = storage.DriverSQLite
	cfg.DSN = filepath.Join(t.TempDir(), "wallet.db")
	db, err := storage.NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx))

	ledger := db.NewLedgerRepository()
	require.NoError(t, ledger.ResetMonthlyAllowance(ctx, "u1", 10, models.PlanSubscriber))

	registry := testRegistry(t)
	gate := quota.NewGate(db.NewUsageRepository(), registry, nil)

	build := func(p providers.Provider) *Service {
		svc, err := NewService(Config{
			Pricing: registry,
			Quota:   gate,
			Balance: ledger,
			Runner:  NewRunner(providers.NewRouter(p)),
			Settler: billing.NewSettler(ledger, nil, nil, nil),
		})
		require.NoError(t, err)
		return svc
	}

	failing := build(scriptedProvider{name: "openai", err: errors.New("503")})
	res, err := failing.Execute(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeExternalFailure, res.Outcome.Kind)

	balance, err := ledger.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "failed call is free")

	working := build(scriptedProvider{name: "openai", out: &providers.Completion{Text: "ok", PromptTokens: 100_000, CompletionTokens: 50_000}})
	res, err = working.Execute(ctx, baseRequest())
	require.NoError(t, err)
	require.Equal(t, billing.OutcomeSuccess, res.Outcome.Kind)

	// 100000*15 + 50000*60 = 4.5M micro-cents = 5 cents
	assert.Equal(t, int64(5), res.Outcome.Charge.CostCents)
	balance, err = ledger.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	usage, err := db.NewUsageRepository().GetQuotaUsage(ctx, "u1", models.FeatureFoodAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Count)
}

// hangUpRunner completes the call, then cancels the request context the
// way a disconnecting client would.
type hangUpRunner struct {
	cancel context.CancelFunc
	result RunResult
}

func (r hangUpRunner) Run(ctx context.Context, price pricing.ModelPrice, userID string, messages []models.Message, cappedMaxTokens int) (*RunResult, error) {
	defer r.cancel()
	out := r.result
	out.Model = price.Model
	out.CostCents = price.CostCents(out.PromptTokens, out.CompletionTokens)
	return &out, nil
}

func TestExecute_ClientDisconnectStillCounts(t *testing.T) {
	cfg := storage.DefaultDBConfig()
	cfg.Driver = storage.DriverSQLite
	cfg.DSN = filepath.Join(t.TempDir(), "wallet.db")
	db, err := storage.NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(context.Background()))

	ledger := db.NewLedgerRepository()
	require.NoError(t, ledger.ResetMonthlyAllowance(context.Background(), "u1", 10, models.PlanSubscriber))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	daily := quota.NewDailyCounter(client)

	registry := testRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(Config{
		Pricing: registry,
		Quota:   quota.NewGate(db.NewUsageRepository(), registry, daily),
		Balance: ledger,
		Runner:  hangUpRunner{cancel: cancel, result: RunResult{Text: "ok", PromptTokens: 100_000, CompletionTokens: 50_000}},
		Settler: billing.NewSettler(ledger, nil, nil, nil),
	})
	require.NoError(t, err)

	res, err := svc.Execute(ctx, baseRequest())
	require.NoError(t, err)
	require.Equal(t, billing.OutcomeSuccess, res.Outcome.Kind)
	require.Error(t, ctx.Err())

	balance, err := ledger.GetAvailableBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	usage, err := db.NewUsageRepository().GetQuotaUsage(context.Background(), "u1", models.FeatureFoodAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Count, "monthly count")

	n, err := daily.Get(context.Background(), "u1", models.FeatureFoodAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "daily count")
}
