package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// DefaultSeed is the built-in lifecycle seed, written to the data directory
// on first run so operators can edit it in place.
//
//go:embed lifecycle.yaml
var DefaultSeed []byte

//go:embed seed_schema.json
var seedSchema []byte

type seedStatus struct {
	Code         string `yaml:"code"`
	Terminal     bool   `yaml:"terminal"`
	DisplayOrder int    `yaml:"display_order"`
}

type seedRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type seedCategory struct {
	Statuses    []seedStatus `yaml:"statuses"`
	Transitions []seedRule   `yaml:"transitions"`
}

type seedFile struct {
	Version    int                     `yaml:"version"`
	Categories map[string]seedCategory `yaml:"categories"`
}

// LoadSeed validates the seed document against the embedded JSON Schema,
// then builds the catalog and transition table and runs the orphan check.
func LoadSeed(data []byte) (*Catalog, *Table, error) {
	if err := validateSeedSchema(data); err != nil {
		return nil, nil, err
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, nil, fmt.Errorf("parse lifecycle seed: %w", err)
	}

	cat := NewCatalog()
	table := NewTable(cat)

	for name, sc := range seed.Categories {
		category, err := ParseCategory(name)
		if err != nil {
			return nil, nil, fmt.Errorf("lifecycle seed: %w", err)
		}
		for i, st := range sc.Statuses {
			order := st.DisplayOrder
			if order == 0 {
				order = i + 1
			}
			if err := cat.Register(st.Code, category, st.Terminal, order); err != nil {
				return nil, nil, fmt.Errorf("lifecycle seed: %w", err)
			}
		}
	}

	// Rules are registered after all statuses exist so cross-references
	// within a category resolve regardless of declaration order.
	for name, sc := range seed.Categories {
		category, _ := ParseCategory(name)
		for _, rule := range sc.Transitions {
			if err := table.Allow(category, rule.From, rule.To); err != nil {
				return nil, nil, fmt.Errorf("lifecycle seed: %w", err)
			}
		}
	}

	if err := table.Validate(); err != nil {
		return nil, nil, fmt.Errorf("lifecycle seed: %w", err)
	}
	return cat, table, nil
}

// LoadSeedFile reads and loads a seed file from disk.
func LoadSeedFile(path string) (*Catalog, *Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read lifecycle seed: %w", err)
	}
	return LoadSeed(data)
}

// EnsureSeedFile writes the embedded default seed to path if no file exists.
func EnsureSeedFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat lifecycle seed: %w", err)
	}
	if err := os.WriteFile(path, DefaultSeed, 0o644); err != nil {
		return fmt.Errorf("write default lifecycle seed: %w", err)
	}
	return nil
}

// validateSeedSchema checks the YAML document against the embedded JSON
// Schema. The YAML is round-tripped through JSON because the validator
// operates on JSON values with json.Number semantics.
func validateSeedSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse lifecycle seed: %w", err)
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert lifecycle seed: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(seedSchema))
	if err != nil {
		return fmt.Errorf("unmarshal seed schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("seed_schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add seed schema resource: %w", err)
	}
	schema, err := c.Compile("seed_schema.json")
	if err != nil {
		return fmt.Errorf("compile seed schema: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("convert lifecycle seed: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("lifecycle seed schema: %w", err)
	}
	return nil
}
