package scrub

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehr/revcycle/internal/domain/billing"
)

type Category string

const (
	CategoryStructural     Category = "structural"
	CategoryCoding         Category = "coding"
	CategoryAdministrative Category = "administrative"
	CategoryPayer          Category = "payer"
)

// Rule binds a check to a category, a severity and its parameters.
type Rule struct {
	ID       string           `yaml:"id"`
	Category Category         `yaml:"category"`
	Check    string           `yaml:"check"`
	Severity billing.Severity `yaml:"severity"`
	Message  string           `yaml:"message,omitempty"`
	Params   Params           `yaml:"params,omitempty"`
	Disabled bool             `yaml:"disabled,omitempty"`
}

// Catalog is an ordered rule set. Rules run in catalog order, which fixes the
// order of the edits they produce.
type Catalog struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Label identifies the catalog on scrub results.
func (c *Catalog) Label() string {
	if c.Version == "" {
		return c.Name
	}
	return c.Name + "@" + c.Version
}

//go:embed default_rules.yaml
var defaultRules []byte

// DefaultCatalog returns the built-in rule set.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("scrub: embedded rule catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog reads a rule catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule catalog: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes and validates a YAML rule catalog. Unknown fields are
// rejected so that a misspelt key does not silently disable a rule.
func ParseCatalog(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode rule catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	if c.Name == "" {
		return errors.New("rule catalog: name is required")
	}
	if len(c.Rules) == 0 {
		return errors.New("rule catalog: no rules")
	}
	seen := make(map[string]bool, len(c.Rules))
	var errs []error
	for i, r := range c.Rules {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("rule %d: id is required", i+1))
			continue
		case seen[r.ID]:
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", r.ID))
		}
		seen[r.ID] = true
		if _, ok := checks[r.Check]; !ok {
			errs = append(errs, fmt.Errorf("rule %s: unknown check %q", r.ID, r.Check))
		}
		switch r.Category {
		case CategoryStructural, CategoryCoding, CategoryAdministrative, CategoryPayer:
		default:
			errs = append(errs, fmt.Errorf("rule %s: unknown category %q", r.ID, r.Category))
		}
		if r.Severity != billing.SeverityError && r.Severity != billing.SeverityWarning {
			errs = append(errs, fmt.Errorf("rule %s: severity must be error or warning", r.ID))
		}
	}
	return errors.Join(errs...)
}

// Params are a rule's free-form settings from the catalog.
type Params map[string]interface{}

func (p Params) Int(name string, def int) int {
	switch v := p[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func (p Params) Float(name string, def float64) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func (p Params) String(name, def string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return def
}

func (p Params) Strings(name string) []string {
	return toStrings(p[name])
}

// StringLists reads a mapping of string to list of strings. yaml.v3 decodes
// nested mappings as Params, so every map shape is accepted.
func (p Params) StringLists(name string) map[string][]string {
	var raw map[string]interface{}
	switch v := p[name].(type) {
	case Params:
		raw = v
	case map[string]interface{}:
		raw = v
	case map[interface{}]interface{}:
		raw = make(map[string]interface{}, len(v))
		for k, item := range v {
			raw[fmt.Sprint(k)] = item
		}
	default:
		return nil
	}
	out := make(map[string][]string, len(raw))
	for k, v := range raw {
		out[k] = toStrings(v)
	}
	return out
}

func toStrings(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}
