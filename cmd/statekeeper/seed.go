package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/statekeeper/internal/catalog"
	"github.com/basket/statekeeper/internal/config"
	"github.com/basket/statekeeper/internal/maintenance"
	"github.com/basket/statekeeper/internal/persistence"
)

// runSeedCommand validates a lifecycle seed and prints a per-category
// summary. With no path argument it checks the active seed file, falling
// back to the embedded default when none exists yet.
func runSeedCommand(homeDir string, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: statekeeper seed [path]")
		return 2
	}

	var (
		cat   *catalog.Catalog
		table *catalog.Table
		err   error
		src   string
	)
	switch {
	case len(args) == 1:
		src = args[0]
		cat, table, err = catalog.LoadSeedFile(src)
	default:
		src = filepath.Join(homeDir, "lifecycle.yaml")
		if _, statErr := os.Stat(src); os.IsNotExist(statErr) {
			src = "embedded default"
			cat, table, err = catalog.LoadSeed(catalog.DefaultSeed)
		} else {
			cat, table, err = catalog.LoadSeedFile(src)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed invalid: %v\n", err)
		return 1
	}

	fmt.Printf("seed OK: %s\n", src)
	fmt.Printf("  statuses: %d, rules: %d\n", cat.Len(), len(table.Rules()))
	for _, category := range catalog.Categories {
		defs := cat.ListByCategory(category)
		if len(defs) == 0 {
			continue
		}
		terminal := 0
		for _, d := range defs {
			if d.Terminal {
				terminal++
			}
		}
		fmt.Printf("  %-11s %d statuses (%d terminal), initial: %v\n",
			category, len(defs), terminal, table.InitialStatuses(category))
	}
	return 0
}

// runMaintainCommand runs one maintenance pass against the configured
// database, without needing the daemon to be up.
func runMaintainCommand(ctx context.Context, homeDir string, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: statekeeper maintain")
		return 2
	}

	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open: %v\n", err)
		return 1
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner, err := maintenance.NewRunner(maintenance.Config{
		Store:            store,
		Logger:           logger,
		Schedule:         cfg.Maintenance.Schedule,
		LockRowRetention: time.Duration(cfg.Maintenance.LockRowRetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "maintenance config: %v\n", err)
		return 1
	}
	now := time.Now()
	runner.RunOnce(ctx, now)
	fmt.Println("maintenance pass complete")

	rollups, err := store.MonthlyRollups(ctx, now.UTC().Format("2006-01"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "rollup read: %v\n", err)
		return 1
	}
	for _, roll := range rollups {
		fmt.Printf("  %s %-12s $%s (%d calls, %d tokens)\n",
			roll.Month, roll.ProviderID, roll.TotalCostUSD, roll.TotalTokens, roll.CallCount)
	}
	return 0
}
