package mapping

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

type document struct {
	RuleSets []RuleSet `yaml:"rule_sets"`
}

// Load reads a rule document and builds its catalog. Unknown keys are
// rejected.
func Load(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("mapping: decode rules: %w", err)
	}
	return NewCatalog(doc.RuleSets)
}

// LoadFile reads a rule document from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: open rules: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the catalog of the built-in admission, observation and
// order rules.
func Default() (*Catalog, error) {
	return Load(bytes.NewReader(defaultRules))
}
