package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm_wallet/internal/billing"
	"llm_wallet/internal/metrics"
	"llm_wallet/internal/models"
	"llm_wallet/internal/pricing"
	"llm_wallet/internal/ratelimit"
	"llm_wallet/internal/utils"
)

// ErrInvalidRequest is returned for requests that cannot be metered at all
var ErrInvalidRequest = errors.New("invalid metered request")

// BalanceReader reads the spendable balance of a wallet
type BalanceReader interface {
	GetAvailableBalance(ctx context.Context, userID string) (int64, error)
}

// QuotaChecker is the feature quota gate
type QuotaChecker interface {
	CheckAndWouldAllow(ctx context.Context, userID string, feature models.Feature) (bool, error)
	RecordSuccess(ctx context.Context, userID string, feature models.Feature)
}

// Settlement charges a completed call
type Settlement interface {
	Settle(ctx context.Context, userID string, feature models.Feature, costCents int64, meta billing.SettleMetadata) (bool, error)
}

// ModelRunner performs the external call
type ModelRunner interface {
	Run(ctx context.Context, price pricing.ModelPrice, userID string, messages []models.Message, cappedMaxTokens int) (*RunResult, error)
}

// Request is one metered model call on behalf of a user
type Request struct {
	UserID        string
	Feature       models.Feature
	Model         string
	Messages      []models.Message
	MaxTokens     int
	CorrelationID string
	Metadata      models.JSONB
}

// Result is the outcome of a metered call. Text is only set on success;
// content generated for a call that could not be billed is withheld.
type Result struct {
	Outcome         billing.Outcome
	Text            string
	Model           string
	CappedMaxTokens int
	FinishReason    string
}

// Config holds the collaborators of a Service. Limiter and Metrics are
// optional.
type Config struct {
	Pricing   *pricing.Registry
	Quota     QuotaChecker
	Balance   BalanceReader
	Runner    ModelRunner
	Settler   Settlement
	Limiter   ratelimit.Limiter
	RateLimit int // requests per user per window, 0 disables
	Metrics   *metrics.Metrics
}

// Service wraps model calls with the wallet: gate, cap, call, settle.
// No ledger lock is held while the provider call is in flight.
type Service struct {
	pricing   *pricing.Registry
	quota     QuotaChecker
	balance   BalanceReader
	runner    ModelRunner
	settler   Settlement
	limiter   ratelimit.Limiter
	rateLimit int
	metrics   *metrics.Metrics
	logger    *utils.Logger
}

// NewService creates a metering service
func NewService(cfg Config) (*Service, error) {
	if cfg.Pricing == nil || cfg.Quota == nil || cfg.Balance == nil || cfg.Runner == nil || cfg.Settler == nil {
		return nil, fmt.Errorf("metering service requires pricing, quota, balance, runner and settler")
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewNoopLimiter()
	}

	return &Service{
		pricing:   cfg.Pricing,
		quota:     cfg.Quota,
		balance:   cfg.Balance,
		runner:    cfg.Runner,
		settler:   cfg.Settler,
		limiter:   limiter,
		rateLimit: cfg.RateLimit,
		metrics:   cfg.Metrics,
		logger:    utils.NewLogger("metering"),
	}, nil
}

// Execute runs one metered call. Refusals and failures of the call itself
// are reported in Result.Outcome; the error return is for requests that
// are malformed or for stores that could not be read before the call.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" || !req.Feature.Valid() || req.MaxTokens <= 0 || len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: user, known feature, messages and positive max tokens are required", ErrInvalidRequest)
	}

	// One snapshot for both the cap and the cost
	table := s.pricing.Current()
	price, err := table.Lookup(req.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	result := &Result{Model: price.Model}

	if s.rateLimit > 0 {
		allowed, err := s.limiter.Allow(ctx, req.UserID, s.rateLimit)
		if err != nil {
			s.logger.Warn("Rate limiter unavailable, allowing request", "user_id", req.UserID, "error", err)
		} else if !allowed {
			return s.finish(req, result, billing.Failed(billing.OutcomeRateLimited, nil)), nil
		}
	}

	allowed, err := s.quota.CheckAndWouldAllow(ctx, req.UserID, req.Feature)
	if err != nil {
		return nil, fmt.Errorf("failed to check quota: %w", err)
	}
	if !allowed {
		return s.finish(req, result, billing.Failed(billing.OutcomeQuotaExceeded, nil)), nil
	}

	available, err := s.balance.GetAvailableBalance(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	promptTokens := withEstimateMargin(table.EstimatePromptTokens(price.Model, req.Messages))
	capped := billing.CapMaxTokens(price, promptTokens, req.MaxTokens, available)
	result.CappedMaxTokens = capped
	if capped <= 0 {
		return s.finish(req, result, billing.Failed(billing.OutcomeInsufficientCredits, nil)), nil
	}

	start := time.Now()
	run, err := s.runner.Run(ctx, price, req.UserID, req.Messages, capped)
	if err != nil {
		s.logger.Warn("External call failed, nothing charged",
			"user_id", req.UserID, "feature", req.Feature, "model", price.Model,
			"retryable", utils.IsRecoverableError(err), "error", err)
		return s.finish(req, result, billing.Failed(billing.OutcomeExternalFailure, err)), nil
	}
	s.logger.Debug("External call completed",
		"user_id", req.UserID, "model", run.Model, "prompt_tokens", run.PromptTokens,
		"completion_tokens", run.CompletionTokens, "cost_cents", run.CostCents, "latency", time.Since(start))

	ok, err := s.settler.Settle(ctx, req.UserID, req.Feature, run.CostCents, billing.SettleMetadata{
		Model:            run.Model,
		PromptTokens:     run.PromptTokens,
		CompletionTokens: run.CompletionTokens,
		CorrelationID:    req.CorrelationID,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return s.finish(req, result, billing.Failed(billing.OutcomeBillingFailed, err)), nil
	}
	if !ok {
		return s.finish(req, result, billing.Failed(billing.OutcomeBillingFailed, billing.ErrInsufficientCredits)), nil
	}

	s.quota.RecordSuccess(ctx, req.UserID, req.Feature)

	result.Text = run.Text
	result.FinishReason = run.FinishReason
	return s.finish(req, result, billing.Succeeded(billing.Charge{
		CostCents:        run.CostCents,
		PromptTokens:     run.PromptTokens,
		CompletionTokens: run.CompletionTokens,
	})), nil
}

// withEstimateMargin pads a prompt estimate by a tenth, rounded up. The
// provider bills its own prompt count, and a character-ratio estimate that
// comes in low would otherwise leave a tight wallet unable to settle.
func withEstimateMargin(promptTokens int) int {
	return promptTokens + (promptTokens+9)/10
}

func (s *Service) finish(req Request, result *Result, outcome billing.Outcome) *Result {
	result.Outcome = outcome
	s.metrics.RecordOutcome(string(req.Feature), string(outcome.Kind))
	if outcome.Kind != billing.OutcomeSuccess {
		s.logger.Info("Metered request refused",
			"user_id", req.UserID, "feature", req.Feature, "outcome", outcome.Kind)
	}
	return result
}
