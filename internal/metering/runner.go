package metering

import (
	"context"
	"fmt"

	"llm_wallet/internal/models"
	"llm_wallet/internal/pricing"
	"llm_wallet/internal/providers"
)

// RunResult is a completed external call and what it costs
type RunResult struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostCents        int64
	FinishReason     string
}

// Runner invokes the provider for a priced model. It has no ledger side
// effect; charging is left to the caller.
type Runner struct {
	router *providers.Router
}

// NewRunner creates a runner over router
func NewRunner(router *providers.Router) *Runner {
	return &Runner{router: router}
}

// Run calls the provider with cappedMaxTokens as the output ceiling and
// costs the reported usage with price, the same entry the cap was
// computed from.
func (r *Runner) Run(ctx context.Context, price pricing.ModelPrice, userID string, messages []models.Message, cappedMaxTokens int) (*RunResult, error) {
	provider, err := r.router.Get(price.Provider)
	if err != nil {
		return nil, err
	}

	out, err := provider.Complete(ctx, providers.CompletionRequest{
		Model:     price.Model,
		Messages:  messages,
		MaxTokens: cappedMaxTokens,
		User:      userID,
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion failed: %w", provider.Name(), err)
	}

	return &RunResult{
		Text:             out.Text,
		Model:            price.Model,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		CostCents:        price.CostCents(out.PromptTokens, out.CompletionTokens),
		FinishReason:     out.FinishReason,
	}, nil
}
