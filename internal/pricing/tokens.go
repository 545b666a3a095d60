package pricing

import (
	"math"

	"llm_wallet/internal/models"
)

const (
	// DefaultCharsPerToken is deliberately low so estimates run high.
	DefaultCharsPerToken = 3.0

	// messageOverheadTokens covers role markers and separators per message.
	messageOverheadTokens = 4

	// replyPrimingTokens covers the assistant turn header the provider adds.
	replyPrimingTokens = 3
)

// EstimateTokens estimates the tokens in text from its byte length,
// rounding up. Non-empty text is at least one token.
func EstimateTokens(text string, charsPerToken float64) int {
	if text == "" {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	n := int(math.Ceil(float64(len(text)) / charsPerToken))
	if n < 1 {
		n = 1
	}
	return n
}

// EstimatePromptTokens estimates the prompt size of a conversation for a
// model, including per-message formatting overhead.
func (t *Table) EstimatePromptTokens(model string, messages []models.Message) int {
	ratio := t.defaultCharsPerToken
	if p, err := t.Lookup(model); err == nil && p.CharsPerToken > 0 {
		ratio = p.CharsPerToken
	}

	if len(messages) == 0 {
		return 0
	}
	total := replyPrimingTokens
	for _, m := range messages {
		total += messageOverheadTokens
		total += EstimateTokens(string(m.Role), ratio)
		total += EstimateTokens(m.Content, ratio)
	}
	return total
}
