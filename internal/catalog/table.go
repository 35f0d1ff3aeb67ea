package catalog

import (
	"fmt"
	"sort"
)

// Rule is one allowed transition. From == "" marks To as a valid initial
// status for its category.
type Rule struct {
	Category Category `json:"category"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to"`
}

// Table is the explicit allow-list of transitions per category. Like the
// catalog it is built once at seed-load time and read-only afterwards; the
// state machine shares a single instance across all entities.
type Table struct {
	catalog *Catalog
	// allowed[category][from][to]
	allowed map[Category]map[string]map[string]struct{}
	// initial[category][to]
	initial map[Category]map[string]struct{}
	rules   []Rule
}

// NewTable returns an empty table over the given catalog.
func NewTable(c *Catalog) *Table {
	return &Table{
		catalog: c,
		allowed: make(map[Category]map[string]map[string]struct{}),
		initial: make(map[Category]map[string]struct{}),
	}
}

// Allow registers a rule. Both endpoints must exist in the catalog and
// belong to the rule's category; from == "" declares an initial status.
func (t *Table) Allow(category Category, from, to string) error {
	toDef, err := t.catalog.Get(to)
	if err != nil {
		return fmt.Errorf("transition rule to %q: %w", to, err)
	}
	if toDef.Category != category {
		return fmt.Errorf("transition rule to %q: status belongs to category %q, rule says %q", to, toDef.Category, category)
	}
	if from != "" {
		fromDef, err := t.catalog.Get(from)
		if err != nil {
			return fmt.Errorf("transition rule from %q: %w", from, err)
		}
		if fromDef.Category != category {
			return fmt.Errorf("transition rule from %q: status belongs to category %q, rule says %q", from, fromDef.Category, category)
		}
	}

	if from == "" {
		if t.initial[category] == nil {
			t.initial[category] = make(map[string]struct{})
		}
		t.initial[category][to] = struct{}{}
	} else {
		if t.allowed[category] == nil {
			t.allowed[category] = make(map[string]map[string]struct{})
		}
		if t.allowed[category][from] == nil {
			t.allowed[category][from] = make(map[string]struct{})
		}
		t.allowed[category][from][to] = struct{}{}
	}
	t.rules = append(t.rules, Rule{Category: category, From: from, To: to})
	return nil
}

// IsAllowed reports whether the transition is permitted. A self-transition
// is always allowed; it is the caller's no-op path and is never recorded.
// Terminal statuses are not special-cased here: they simply have no outgoing
// rules, so the table stays the single authority.
func (t *Table) IsAllowed(category Category, from, to string) bool {
	if from == to {
		return true
	}
	next, ok := t.allowed[category][from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsInitial reports whether a status is a valid starting point for new
// entities of the category.
func (t *Table) IsInitial(category Category, code string) bool {
	_, ok := t.initial[category][code]
	return ok
}

// InitialStatuses returns the declared initial statuses of a category in
// display order.
func (t *Table) InitialStatuses(category Category) []string {
	var out []string
	for code := range t.initial[category] {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := t.catalog.Get(out[i])
		b, _ := t.catalog.Get(out[j])
		return a.DisplayOrder < b.DisplayOrder
	})
	return out
}

// Rules returns a copy of all registered rules.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Validate checks the orphan invariant: every registered status must be the
// target of at least one rule (an initial declaration counts). Run once
// after seed load.
func (t *Table) Validate() error {
	for _, category := range Categories {
		for _, def := range t.catalog.ListByCategory(category) {
			if _, ok := t.initial[category][def.Code]; ok {
				continue
			}
			reachable := false
			for _, next := range t.allowed[category] {
				if _, ok := next[def.Code]; ok {
					reachable = true
					break
				}
			}
			if !reachable {
				return fmt.Errorf("%w: %q has no inbound rule in category %q", ErrOrphanStatus, def.Code, category)
			}
		}
	}
	return nil
}
