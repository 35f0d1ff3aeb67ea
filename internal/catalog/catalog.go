// Package catalog holds the immutable status reference data and the
// transition rule table that the state machine consults. Both are loaded
// once from the lifecycle seed file and shared read-only afterwards.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Category is the namespace a status belongs to. Statuses and transition
// rules in different categories are independent.
type Category string

const (
	CategoryTask       Category = "task"
	CategoryRun        Category = "run"
	CategoryValidation Category = "validation"
	CategoryQueue      Category = "queue"
	CategoryPR         Category = "pr"
	CategoryTest       Category = "test"
)

// Categories lists all known categories in display order.
var Categories = []Category{
	CategoryTask,
	CategoryRun,
	CategoryValidation,
	CategoryQueue,
	CategoryPR,
	CategoryTest,
}

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: category %q", ErrNotFound, s)
}

// StatusDefinition is one row of the status reference data. Immutable after
// registration.
type StatusDefinition struct {
	Code         string   `json:"code"`
	Category     Category `json:"category"`
	Terminal     bool     `json:"terminal"`
	DisplayOrder int      `json:"display_order"`
}

// Catalog is the registry of status definitions, keyed by globally unique
// code. It is populated at seed-load time and never mutated afterwards.
type Catalog struct {
	byCode     map[string]StatusDefinition
	byCategory map[Category][]StatusDefinition
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byCode:     make(map[string]StatusDefinition),
		byCategory: make(map[Category][]StatusDefinition),
	}
}

// Register adds a status definition. Codes are globally unique; registering
// an existing code fails with ErrDuplicateStatus.
func (c *Catalog) Register(code string, category Category, terminal bool, displayOrder int) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("register status: empty code")
	}
	if _, err := ParseCategory(string(category)); err != nil {
		return fmt.Errorf("register status %q: %w", code, err)
	}
	if _, exists := c.byCode[code]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateStatus, code)
	}
	def := StatusDefinition{
		Code:         code,
		Category:     category,
		Terminal:     terminal,
		DisplayOrder: displayOrder,
	}
	c.byCode[code] = def
	c.byCategory[category] = append(c.byCategory[category], def)
	sort.SliceStable(c.byCategory[category], func(i, j int) bool {
		return c.byCategory[category][i].DisplayOrder < c.byCategory[category][j].DisplayOrder
	})
	return nil
}

// Get looks up a status by code.
func (c *Catalog) Get(code string) (StatusDefinition, error) {
	def, ok := c.byCode[code]
	if !ok {
		return StatusDefinition{}, fmt.Errorf("%w: status %q", ErrNotFound, code)
	}
	return def, nil
}

// ListByCategory returns the statuses of a category ordered by display order.
// The returned slice is a copy.
func (c *Catalog) ListByCategory(category Category) []StatusDefinition {
	defs := c.byCategory[category]
	out := make([]StatusDefinition, len(defs))
	copy(out, defs)
	return out
}

// Len returns the total number of registered statuses.
func (c *Catalog) Len() int {
	return len(c.byCode)
}
