package billing

import (
	"math"

	"llm_wallet/internal/pricing"
)

const microPerCent = 1_000_000

// CapMaxTokens returns the largest completion length the user can afford
// after paying for the prompt, never more than requested. Zero means the
// prompt alone exceeds the balance. All arithmetic is on integer
// millionths of a cent, so the cap never rounds in the user's favour.
func CapMaxTokens(price pricing.ModelPrice, promptTokens, requested int, availableCents int64) int {
	if requested <= 0 {
		return 0
	}

	// Balances this large cannot be exhausted by one call.
	if availableCents > math.MaxInt64/microPerCent {
		return requested
	}

	budget := availableCents*microPerCent - int64(promptTokens)*price.InputCentsPerMTok
	if budget < 0 {
		return 0
	}
	if price.OutputCentsPerMTok == 0 {
		return requested
	}

	affordable := budget / price.OutputCentsPerMTok
	if affordable < int64(requested) {
		return int(affordable)
	}
	return requested
}
