package pricing

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"llm_wallet/internal/models"
)

// fileFormat is the on-disk layout of the pricing file.
type fileFormat struct {
	DefaultCharsPerToken float64                  `yaml:"default_chars_per_token"`
	Models               []ModelPrice             `yaml:"models"`
	Plans                map[models.PlanTier]Plan `yaml:"plans"`
}

// Parse builds a table from YAML. Unknown keys are rejected so a typo in a
// price field cannot silently price a model at zero.
func Parse(data []byte) (*Table, error) {
	var f fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse pricing: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("pricing defines no models")
	}
	return NewTable(f.Models, f.Plans, f.DefaultCharsPerToken)
}

// LoadFile reads and parses a pricing file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file %q: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
