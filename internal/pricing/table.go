package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"llm_wallet/internal/models"
)

// tokensPerUnit is the number of tokens a per-unit price refers to.
const tokensPerUnit = 1_000_000

// DefaultModel is the entry used when no model name or prefix matches.
const DefaultModel = "default"

var (
	// ErrUnknownModel is returned when no price entry covers a model
	ErrUnknownModel = errors.New("no pricing for model")

	// ErrUnknownPlan is returned when a plan tier has no caps configured
	ErrUnknownPlan = errors.New("no plan configured for tier")
)

// ModelPrice is the price of one model in integer cents per million tokens.
// Whole-cent prices per million tokens keep every cost computation exact.
type ModelPrice struct {
	Model              string  `yaml:"model" json:"model"`
	Provider           string  `yaml:"provider" json:"provider"`
	InputCentsPerMTok  int64   `yaml:"input_cents_per_mtok" json:"input_cents_per_mtok"`
	OutputCentsPerMTok int64   `yaml:"output_cents_per_mtok" json:"output_cents_per_mtok"`
	CharsPerToken      float64 `yaml:"chars_per_token,omitempty" json:"chars_per_token,omitempty"`
}

// CostCents returns the exact charge for a completed call, rounded up to
// the next whole cent.
func (p ModelPrice) CostCents(promptTokens, completionTokens int) int64 {
	micro := int64(promptTokens)*p.InputCentsPerMTok + int64(completionTokens)*p.OutputCentsPerMTok
	return ceilDiv(micro, tokensPerUnit)
}

// PromptCostCents returns the charge for the prompt alone, rounded the same
// way as CostCents.
func (p ModelPrice) PromptCostCents(promptTokens int) int64 {
	return p.CostCents(promptTokens, 0)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// FeatureCap limits successful calls of one feature. Zero means unlimited.
type FeatureCap struct {
	Monthly  int64 `yaml:"monthly" json:"monthly"`
	Daily    int64 `yaml:"daily" json:"daily"`
	Disabled bool  `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Plan is what a plan tier grants each billing cycle.
type Plan struct {
	MonthlyAllowanceCents int64                         `yaml:"monthly_allowance_cents" json:"monthly_allowance_cents"`
	Features              map[models.Feature]FeatureCap `yaml:"features" json:"features"`
}

// Cap returns the cap for a feature; features not listed are unlimited.
func (p Plan) Cap(feature models.Feature) FeatureCap {
	return p.Features[feature]
}

// Table is an immutable price and plan lookup. A request takes one Table
// and uses it for both capping and costing so a concurrent reload cannot
// split the two.
type Table struct {
	exact    map[string]ModelPrice
	prefixes []ModelPrice // longest model name first
	fallback *ModelPrice
	plans    map[models.PlanTier]Plan

	defaultCharsPerToken float64
	loadedAt             time.Time
}

// NewTable validates the entries and builds a table.
func NewTable(prices []ModelPrice, plans map[models.PlanTier]Plan, defaultCharsPerToken float64) (*Table, error) {
	if defaultCharsPerToken <= 0 {
		defaultCharsPerToken = DefaultCharsPerToken
	}

	t := &Table{
		exact:                make(map[string]ModelPrice, len(prices)),
		plans:                make(map[models.PlanTier]Plan, len(plans)),
		defaultCharsPerToken: defaultCharsPerToken,
		loadedAt:             time.Now().UTC(),
	}

	for _, p := range prices {
		p.Model = strings.TrimSpace(p.Model)
		if p.Model == "" {
			return nil, fmt.Errorf("price entry without model name")
		}
		if p.InputCentsPerMTok < 0 || p.OutputCentsPerMTok < 0 {
			return nil, fmt.Errorf("model %q: prices must not be negative", p.Model)
		}
		if p.CharsPerToken < 0 {
			return nil, fmt.Errorf("model %q: chars_per_token must not be negative", p.Model)
		}
		if _, dup := t.exact[p.Model]; dup {
			return nil, fmt.Errorf("model %q listed twice", p.Model)
		}
		if p.CharsPerToken == 0 {
			p.CharsPerToken = defaultCharsPerToken
		}

		if p.Model == DefaultModel {
			fallback := p
			t.fallback = &fallback
			continue
		}
		t.exact[p.Model] = p
		t.prefixes = append(t.prefixes, p)
	}

	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i].Model) != len(t.prefixes[j].Model) {
			return len(t.prefixes[i].Model) > len(t.prefixes[j].Model)
		}
		return t.prefixes[i].Model < t.prefixes[j].Model
	})

	for tier, plan := range plans {
		if !tier.Valid() {
			return nil, fmt.Errorf("unknown plan tier %q", tier)
		}
		if plan.MonthlyAllowanceCents < 0 {
			return nil, fmt.Errorf("plan %q: allowance must not be negative", tier)
		}
		for feature, c := range plan.Features {
			if !feature.Valid() {
				return nil, fmt.Errorf("plan %q: unknown feature %q", tier, feature)
			}
			if c.Monthly < 0 || c.Daily < 0 {
				return nil, fmt.Errorf("plan %q feature %q: caps must not be negative", tier, feature)
			}
		}
		t.plans[tier] = plan
	}

	return t, nil
}

// Lookup returns the price for a model: exact name first, then the longest
// configured name that prefixes it (dated snapshots such as
// "gpt-4o-mini-2024-07-18"), then the default entry.
func (t *Table) Lookup(model string) (ModelPrice, error) {
	if p, ok := t.exact[model]; ok {
		return p, nil
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(model, p.Model) {
			p.Model = model
			return p, nil
		}
	}
	if t.fallback != nil {
		p := *t.fallback
		p.Model = model
		return p, nil
	}
	return ModelPrice{}, fmt.Errorf("%w %q", ErrUnknownModel, model)
}

// Plan returns the plan configured for a tier.
func (t *Table) Plan(tier models.PlanTier) (Plan, error) {
	p, ok := t.plans[tier]
	if !ok {
		return Plan{}, fmt.Errorf("%w %q", ErrUnknownPlan, tier)
	}
	return p, nil
}

// Models lists the configured model names, default entry excluded.
func (t *Table) Models() []string {
	names := make([]string, 0, len(t.exact))
	for name := range t.exact {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultCharsPerToken returns the ratio used for models without their own.
func (t *Table) DefaultCharsPerToken() float64 {
	return t.defaultCharsPerToken
}

// LoadedAt is when the table was built.
func (t *Table) LoadedAt() time.Time {
	return t.loadedAt
}
