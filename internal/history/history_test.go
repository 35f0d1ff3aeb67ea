package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/statekeeper/internal/persistence"
)

func newTestRecorder(t *testing.T) (*Recorder, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "statekeeper.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRecorder(store, logger, nil), store
}

func TestRecordAppendsInOrder(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	if _, err := store.CreateEntity(ctx, "task-1", "task", "task_pending", "tester", time.Now()); err != nil {
		t.Fatalf("create entity: %v", err)
	}

	base := time.Now()
	steps := []struct{ from, to string }{
		{"task_pending", "task_processing"},
		{"task_processing", "task_failed"},
		{"task_failed", "task_pending"},
	}
	for i, s := range steps {
		ent, err := rec.Record(ctx, persistence.TransitionRecord{
			EntityID:   "task-1",
			FromStatus: s.from,
			ToStatus:   s.to,
			Actor:      "worker-a",
			ChangedAt:  base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("record step %d: %v", i, err)
		}
		if ent.CurrentStatus != s.to {
			t.Fatalf("step %d: status = %q, want %q", i, ent.CurrentStatus, s.to)
		}
	}

	entries, err := rec.ListFor(ctx, "task-1", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != len(steps) {
		t.Fatalf("entries = %d, want %d", len(entries), len(steps))
	}
	for i, e := range entries {
		if e.FromStatus != steps[i].from || e.ToStatus != steps[i].to {
			t.Fatalf("entry %d = %s->%s, want %s->%s", i, e.FromStatus, e.ToStatus, steps[i].from, steps[i].to)
		}
	}

	n, err := rec.CountFor(ctx, "task-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != int64(len(steps)) {
		t.Fatalf("count = %d, want %d", n, len(steps))
	}
}

func TestRecordRollsBackTogether(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	if _, err := store.CreateEntity(ctx, "task-1", "task", "task_pending", "tester", time.Now()); err != nil {
		t.Fatalf("create entity: %v", err)
	}

	// Stale from-status: the guarded update matches nothing, so neither the
	// entity nor the history may change.
	if _, err := rec.Record(ctx, persistence.TransitionRecord{
		EntityID:   "task-1",
		FromStatus: "task_processing",
		ToStatus:   "task_completed",
		Actor:      "worker-a",
		ChangedAt:  time.Now(),
	}); err == nil {
		t.Fatal("stale record succeeded")
	}

	ent, err := store.GetEntity(ctx, "task-1")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if ent.CurrentStatus != "task_pending" {
		t.Fatalf("status = %q, want task_pending", ent.CurrentStatus)
	}
	n, err := rec.CountFor(ctx, "task-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestListForPagination(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	if _, err := store.CreateEntity(ctx, "task-1", "task", "task_pending", "tester", time.Now()); err != nil {
		t.Fatalf("create entity: %v", err)
	}

	base := time.Now()
	from := "task_pending"
	cycle := []string{"task_processing", "task_failed", "task_pending"}
	for i := 0; i < 6; i++ {
		to := cycle[i%len(cycle)]
		if _, err := rec.Record(ctx, persistence.TransitionRecord{
			EntityID:   "task-1",
			FromStatus: from,
			ToStatus:   to,
			Actor:      "worker-a",
			ChangedAt:  base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		from = to
	}

	var all []Entry
	var after int64
	for {
		page, err := rec.ListFor(ctx, "task-1", after, 2)
		if err != nil {
			t.Fatalf("page after %d: %v", after, err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		after = page[len(page)-1].ID
	}
	if len(all) != 6 {
		t.Fatalf("paged total = %d, want 6", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d: %d <= %d", i, all[i].ID, all[i-1].ID)
		}
	}
}
