package catalog

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func testTable(t *testing.T) (*Catalog, *Table) {
	t.Helper()
	c := testCatalog(t)
	table := NewTable(c)
	rules := []struct{ from, to string }{
		{"", "task_pending"},
		{"task_pending", "task_processing"},
		{"task_processing", "task_completed"},
		{"task_processing", "task_failed"},
		{"task_failed", "task_pending"},
	}
	for _, r := range rules {
		if err := table.Allow(CategoryTask, r.from, r.to); err != nil {
			t.Fatalf("allow %q->%q: %v", r.from, r.to, err)
		}
	}
	return c, table
}

func TestTable_IsAllowed(t *testing.T) {
	_, table := testTable(t)

	if !table.IsAllowed(CategoryTask, "task_pending", "task_processing") {
		t.Fatal("expected pending -> processing to be allowed")
	}
	if table.IsAllowed(CategoryTask, "task_pending", "task_completed") {
		t.Fatal("pending -> completed must be denied")
	}
	// Terminal status has no outgoing rules.
	if table.IsAllowed(CategoryTask, "task_completed", "task_processing") {
		t.Fatal("completed -> processing must be denied")
	}
	// Resurrection rule is an ordinary entry.
	if !table.IsAllowed(CategoryTask, "task_failed", "task_pending") {
		t.Fatal("failed -> pending resurrection must be allowed")
	}
}

func TestTable_SelfTransitionAlwaysAllowed(t *testing.T) {
	c, table := testTable(t)
	for _, def := range c.ListByCategory(CategoryTask) {
		if !table.IsAllowed(CategoryTask, def.Code, def.Code) {
			t.Fatalf("self transition on %q must be allowed", def.Code)
		}
	}
}

// Random (from, to) pairs must agree with the explicit allow-list.
func TestTable_RandomPairsMatchAllowList(t *testing.T) {
	c, table := testTable(t)

	explicit := map[[2]string]bool{
		{"task_pending", "task_processing"}:  true,
		{"task_processing", "task_completed"}: true,
		{"task_processing", "task_failed"}:    true,
		{"task_failed", "task_pending"}:       true,
	}

	defs := c.ListByCategory(CategoryTask)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		from := defs[rng.IntN(len(defs))].Code
		to := defs[rng.IntN(len(defs))].Code
		want := from == to || explicit[[2]string{from, to}]
		if got := table.IsAllowed(CategoryTask, from, to); got != want {
			t.Fatalf("IsAllowed(%q, %q) = %v, want %v", from, to, got, want)
		}
	}
}

func TestTable_InitialStatuses(t *testing.T) {
	_, table := testTable(t)
	if !table.IsInitial(CategoryTask, "task_pending") {
		t.Fatal("task_pending must be initial")
	}
	if table.IsInitial(CategoryTask, "task_completed") {
		t.Fatal("task_completed must not be initial")
	}
	initials := table.InitialStatuses(CategoryTask)
	if len(initials) != 1 || initials[0] != "task_pending" {
		t.Fatalf("unexpected initials: %v", initials)
	}
}

func TestTable_AllowRejectsUnknownAndCrossCategory(t *testing.T) {
	c := testCatalog(t)
	if err := c.Register("run_queued", CategoryRun, false, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	table := NewTable(c)

	if err := table.Allow(CategoryTask, "task_pending", "nonexistent"); err == nil {
		t.Fatal("expected error for unknown target status")
	}
	if err := table.Allow(CategoryTask, "task_pending", "run_queued"); err == nil {
		t.Fatal("expected error for cross-category rule")
	}
	if err := table.Allow(CategoryRun, "task_pending", "run_queued"); err == nil {
		t.Fatal("expected error for cross-category from status")
	}
}

func TestTable_ValidateDetectsOrphans(t *testing.T) {
	c := testCatalog(t)
	table := NewTable(c)
	// task_failed never appears as a target: orphan.
	if err := table.Allow(CategoryTask, "", "task_pending"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := table.Allow(CategoryTask, "task_pending", "task_processing"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := table.Allow(CategoryTask, "task_processing", "task_completed"); err != nil {
		t.Fatalf("allow: %v", err)
	}

	err := table.Validate()
	if !errors.Is(err, ErrOrphanStatus) {
		t.Fatalf("expected ErrOrphanStatus, got %v", err)
	}

	if err := table.Allow(CategoryTask, "task_processing", "task_failed"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := table.Validate(); err != nil {
		t.Fatalf("Validate after completing rules: %v", err)
	}
}
