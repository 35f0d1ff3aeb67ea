package maintenance

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/statekeeper/internal/persistence"
)

func newTestRunner(t *testing.T) (*Runner, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "statekeeper.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r, err := NewRunner(Config{
		Store:            store,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		LockRowRetention: 7 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, store
}

func TestNewRunnerRejectsBadSchedule(t *testing.T) {
	_, err := NewRunner(Config{Schedule: "every day at noon"})
	if err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 6, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("not a cron", after); err == nil {
		t.Fatal("bad expression accepted")
	}
}

func TestRunOncePurgesAndRollsUp(t *testing.T) {
	r, store := newTestRunner(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := store.CreateEntity(ctx, "task-1", "task", "task_pending", "tester", now); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if _, err := store.CreateEntity(ctx, "run-1", "run", "run_queued", "tester", now); err != nil {
		t.Fatalf("create run: %v", err)
	}

	// Lock released well past retention: purged by the pass.
	old := now.Add(-10 * 24 * time.Hour)
	if _, err := store.AcquireLock(ctx, "task-1", "w", old, old.Add(-time.Hour)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.ReleaseLock(ctx, "task-1", "w", old); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := store.InsertCostEntry(ctx, persistence.CostEntry{
		RunID:        "run-1",
		ProviderID:   "anthropic",
		ModelID:      "m",
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      decimal.RequireFromString("0.01"),
		RecordedAt:   now,
	}); err != nil {
		t.Fatalf("insert cost: %v", err)
	}

	r.RunOnce(ctx, now)

	state, err := store.GetLockState(ctx, "task-1")
	if err != nil {
		t.Fatalf("lock state: %v", err)
	}
	if state.ReleasedAt != nil {
		t.Fatal("released lock row survived the purge")
	}

	month := now.UTC().Format("2006-01")
	rollups, err := store.MonthlyRollups(ctx, month)
	if err != nil {
		t.Fatalf("rollups: %v", err)
	}
	if len(rollups) != 1 || rollups[0].CallCount != 1 {
		t.Fatalf("unexpected rollup cache: %+v", rollups)
	}

	// The pass never deletes history or cost entries.
	entries, err := store.ListCostEntries(ctx, "run-1")
	if err != nil {
		t.Fatalf("cost entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("cost entries = %d, want 1", len(entries))
	}
}

func TestStartStop(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	r.Stop()
}
