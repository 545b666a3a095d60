package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_wallet/internal/models"
)

const samplePricing = `
default_chars_per_token: 3.5
models:
  - model: gpt-4o-mini
    provider: openai
    input_cents_per_mtok: 15
    output_cents_per_mtok: 60
  - model: gpt-4o
    provider: openai
    input_cents_per_mtok: 250
    output_cents_per_mtok: 1000
    chars_per_token: 4
  - model: claude-sonnet-4
    provider: anthropic
    input_cents_per_mtok: 300
    output_cents_per_mtok: 1500
plans:
  free:
    monthly_allowance_cents: 0
    features:
      chat: {monthly: 30, daily: 5}
      medical_image_analysis: {disabled: true}
  subscriber:
    monthly_allowance_cents: 500
    features:
      chat: {monthly: 1000}
`

func sampleTable(t *testing.T) *Table {
	t.Helper()
	table, err := Parse([]byte(samplePricing))
	require.NoError(t, err)
	return table
}

func TestTable_Lookup(t *testing.T) {
	table := sampleTable(t)

	tests := []struct {
		name     string
		model    string
		wantIn   int64
		wantProv string
	}{
		{"exact match", "gpt-4o", 250, "openai"},
		{"exact match wins over shorter prefix", "gpt-4o-mini", 15, "openai"},
		{"dated snapshot uses longest prefix", "gpt-4o-mini-2024-07-18", 15, "openai"},
		{"prefix of other family", "claude-sonnet-4-20250514", 300, "anthropic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := table.Lookup(tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIn, p.InputCentsPerMTok)
			assert.Equal(t, tt.wantProv, p.Provider)
			assert.Equal(t, tt.model, p.Model)
		})
	}

	_, err := table.Lookup("llama-3")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestTable_LookupDefaultEntry(t *testing.T) {
	table, err := NewTable([]ModelPrice{
		{Model: "gpt-4o", InputCentsPerMTok: 250, OutputCentsPerMTok: 1000},
		{Model: DefaultModel, InputCentsPerMTok: 500, OutputCentsPerMTok: 2000},
	}, nil, 0)
	require.NoError(t, err)

	p, err := table.Lookup("mystery-model")
	require.NoError(t, err)
	assert.Equal(t, int64(500), p.InputCentsPerMTok)
	assert.Equal(t, []string{"gpt-4o"}, table.Models())
}

func TestModelPrice_CostCents(t *testing.T) {
	p := ModelPrice{InputCentsPerMTok: 250, OutputCentsPerMTok: 1000}

	tests := []struct {
		name       string
		prompt     int
		completion int
		want       int64
	}{
		{"nothing", 0, 0, 0},
		{"tiny call rounds up to one cent", 10, 10, 1},
		{"exact cent boundary", 4000, 0, 1},
		{"just over boundary", 4001, 0, 2},
		{"mixed", 1_000_000, 500_000, 750},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.CostCents(tt.prompt, tt.completion))
		})
	}

	assert.Equal(t, p.CostCents(4001, 0), p.PromptCostCents(4001))
}

func TestNewTable_Validation(t *testing.T) {
	_, err := NewTable([]ModelPrice{{Model: ""}}, nil, 0)
	assert.Error(t, err)

	_, err = NewTable([]ModelPrice{{Model: "m", InputCentsPerMTok: -1}}, nil, 0)
	assert.Error(t, err)

	_, err = NewTable([]ModelPrice{{Model: "m"}, {Model: "m"}}, nil, 0)
	assert.Error(t, err)

	_, err = NewTable([]ModelPrice{{Model: "m"}}, map[models.PlanTier]Plan{"gold": {}}, 0)
	assert.Error(t, err)

	_, err = NewTable([]ModelPrice{{Model: "m"}}, map[models.PlanTier]Plan{
		models.PlanFree: {Features: map[models.Feature]FeatureCap{"astrology": {Monthly: 1}}},
	}, 0)
	assert.Error(t, err)
}

func TestTable_Plan(t *testing.T) {
	table := sampleTable(t)

	free, err := table.Plan(models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, FeatureCap{Monthly: 30, Daily: 5}, free.Cap(models.FeatureChat))
	assert.True(t, free.Cap(models.FeatureImageAnalysis).Disabled)
	assert.Equal(t, FeatureCap{}, free.Cap(models.FeatureInsights), "unlisted feature is unlimited")

	sub, err := table.Plan(models.PlanSubscriber)
	require.NoError(t, err)
	assert.Equal(t, int64(500), sub.MonthlyAllowanceCents)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
models:
  - model: gpt-4o
    input_cents_per_mtokens: 250
`))
	assert.Error(t, err)

	_, err = Parse([]byte(`models: []`))
	assert.Error(t, err)
}

func TestEstimatePromptTokens(t *testing.T) {
	table := sampleTable(t)

	assert.Equal(t, 0, table.EstimatePromptTokens("gpt-4o", nil))

	msgs := []models.Message{{Role: models.RoleUser, Content: "12345678"}}
	// 3 priming + 4 overhead + ceil(4/4) role + ceil(8/4) content
	assert.Equal(t, 10, table.EstimatePromptTokens("gpt-4o", msgs))
	// default ratio 3.5: ceil(4/3.5)=2, ceil(8/3.5)=3
	assert.Equal(t, 12, table.EstimatePromptTokens("claude-sonnet-4", msgs))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("", 4))
	assert.Equal(t, 1, EstimateTokens("a", 4))
	assert.Equal(t, 3, EstimateTokens("123456789", 4))
	assert.Equal(t, 3, EstimateTokens("123456789", 0), "falls back to default ratio")
}
