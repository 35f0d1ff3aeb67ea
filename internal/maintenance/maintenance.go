// Package maintenance runs the scheduled housekeeping pass: purging lock
// rows for long-released locks and rebuilding the monthly cost rollups.
// History and cost entries are append-only and never touched here.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/statekeeper/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance runner.
type Config struct {
	Store            *persistence.Store
	Logger           *slog.Logger
	Schedule         string        // cron expression; defaults to 03:00 daily
	LockRowRetention time.Duration // defaults to 7 days
}

// Runner fires the housekeeping pass on a cron schedule.
type Runner struct {
	store     *persistence.Store
	logger    *slog.Logger
	schedule  cronlib.Schedule
	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner. The schedule expression is validated here so a
// config typo fails startup instead of silently never firing.
func NewRunner(cfg Config) (*Runner, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	retention := cfg.LockRowRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     cfg.Store,
		logger:    logger,
		schedule:  schedule,
		retention: retention,
	}, nil
}

// Start begins the runner loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("maintenance runner started", "next_run_at", r.schedule.Next(time.Now()))
}

// Stop cancels the runner loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("maintenance runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.RunOnce(ctx, time.Now())
		}
	}
}

// RunOnce executes one housekeeping pass. Exported so the CLI can trigger it
// on demand.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) {
	purged, err := r.store.PurgeReleasedLocks(ctx, now.Add(-r.retention))
	if err != nil {
		r.logger.Error("maintenance: lock purge failed", "error", err)
	} else if purged > 0 {
		r.logger.Info("maintenance: released lock rows purged",
			"purged", purged,
			"retention", r.retention.String(),
		)
	}

	rollups, err := r.store.RebuildMonthlyRollups(ctx, now)
	if err != nil {
		r.logger.Error("maintenance: rollup rebuild failed", "error", err)
		return
	}
	r.logger.Info("maintenance: monthly rollups rebuilt", "rollups", rollups)
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
