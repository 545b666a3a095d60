package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits is returned when the wallet cannot cover even
	// the prompt of a request
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrQuotaExceeded is returned when the plan cap for a feature is reached
	ErrQuotaExceeded = errors.New("feature quota exceeded")

	// ErrRateLimited is returned when the user sends requests too fast
	ErrRateLimited = errors.New("rate limited")

	// ErrExternalCallFailed is returned when the model provider call failed.
	// Nothing is charged.
	ErrExternalCallFailed = errors.New("external call failed")

	// ErrBillingFailed is returned when a completed call could not be
	// settled. The generated content is withheld.
	ErrBillingFailed = errors.New("billing failed")
)

// OutcomeKind classifies the result of one metered request
type OutcomeKind string

const (
	OutcomeSuccess             OutcomeKind = "success"
	OutcomeInsufficientCredits OutcomeKind = "insufficient_credits"
	OutcomeQuotaExceeded       OutcomeKind = "quota_exceeded"
	OutcomeRateLimited         OutcomeKind = "rate_limited"
	OutcomeExternalFailure     OutcomeKind = "external_failure"
	OutcomeBillingFailed       OutcomeKind = "billing_failed"
)

// Charge is what a successful request was billed
type Charge struct {
	CostCents        int64 `json:"cost_cents"`
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
}

// Outcome is the result of a metered request. Charge is set only for
// OutcomeSuccess; Cause only for the failure kinds that have one.
type Outcome struct {
	Kind   OutcomeKind
	Charge *Charge
	Cause  error
}

// Succeeded builds a success outcome
func Succeeded(c Charge) Outcome {
	return Outcome{Kind: OutcomeSuccess, Charge: &c}
}

// Failed builds a failure outcome
func Failed(kind OutcomeKind, cause error) Outcome {
	return Outcome{Kind: kind, Cause: cause}
}

// Err maps the outcome to its sentinel error, wrapping the cause. It is
// nil for a success.
func (o Outcome) Err() error {
	var sentinel error
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeInsufficientCredits:
		sentinel = ErrInsufficientCredits
	case OutcomeQuotaExceeded:
		sentinel = ErrQuotaExceeded
	case OutcomeRateLimited:
		sentinel = ErrRateLimited
	case OutcomeExternalFailure:
		sentinel = ErrExternalCallFailed
	case OutcomeBillingFailed:
		sentinel = ErrBillingFailed
	default:
		return fmt.Errorf("unknown outcome %q", o.Kind)
	}

	if o.Cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, o.Cause)
}
