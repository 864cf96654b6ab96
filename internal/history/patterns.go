package history

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatternsYAML []byte

// PatternTable holds the extraction rules as data. It is usually loaded from
// YAML so rules can be tuned without touching the extraction code.
type PatternTable struct {
	Brands          []BrandPattern `yaml:"brands"`
	Prices          []string       `yaml:"prices"`
	Vendors         []string       `yaml:"vendors"`
	GenericVendor   string         `yaml:"generic_vendor"`
	URL             string         `yaml:"url"`
	DatabaseMarkers []string       `yaml:"database_markers"`
	WebMarkers      []string       `yaml:"web_markers"`
}

// BrandPattern pairs a brand label with its detection pattern and the
// pattern used to pull a model name once the brand is known.
type BrandPattern struct {
	Label   string `yaml:"label"`
	Pattern string `yaml:"pattern"`
	Model   string `yaml:"model"`
}

// DefaultPatterns returns the built-in pattern table.
func DefaultPatterns() PatternTable {
	t, err := ParsePatterns(defaultPatternsYAML)
	if err != nil {
		panic(fmt.Sprintf("history: embedded patterns.yaml is invalid: %v", err))
	}
	return t
}

// ParsePatterns decodes a YAML pattern table.
func ParsePatterns(data []byte) (PatternTable, error) {
	var t PatternTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return PatternTable{}, fmt.Errorf("parsing pattern table: %w", err)
	}
	return t, nil
}

// LoadPatterns reads a YAML pattern table from path. An empty path yields
// the built-in table.
func LoadPatterns(path string) (PatternTable, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PatternTable{}, fmt.Errorf("reading pattern file: %w", err)
	}
	return ParsePatterns(data)
}

// BrandLabels returns the brand labels in table order.
func (t PatternTable) BrandLabels() []string {
	out := make([]string, 0, len(t.Brands))
	for _, b := range t.Brands {
		out = append(out, b.Label)
	}
	return out
}
