package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/basket/statekeeper/internal/api"
	"github.com/basket/statekeeper/internal/audit"
	"github.com/basket/statekeeper/internal/bus"
	"github.com/basket/statekeeper/internal/catalog"
	"github.com/basket/statekeeper/internal/config"
	"github.com/basket/statekeeper/internal/guard"
	"github.com/basket/statekeeper/internal/history"
	"github.com/basket/statekeeper/internal/ledger"
	"github.com/basket/statekeeper/internal/lifecycle"
	"github.com/basket/statekeeper/internal/maintenance"
	otelPkg "github.com/basket/statekeeper/internal/otel"
	"github.com/basket/statekeeper/internal/persistence"
	"github.com/basket/statekeeper/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the lifecycle daemon (admin API + maintenance)

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s seed [path]              Validate a lifecycle seed file and print a summary
  %s maintain                 Run one maintenance pass (lock purge + cost rollups)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STATEKEEPER_HOME                    Data directory (default: ~/.statekeeper)
  STATEKEEPER_BIND_ADDR               Admin API bind address
  STATEKEEPER_LOG_LEVEL               debug, info, warn, error
  STATEKEEPER_DB_PATH                 SQLite database path
  STATEKEEPER_LOCK_STALENESS_MINUTES  Lock staleness threshold
`)
}

func main() {
	_ = godotenv.Load()

	homeFlag := flag.String("home", "", "data directory (overrides STATEKEEPER_HOME)")
	flag.Usage = printUsage
	flag.Parse()

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = config.HomeDir()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, homeDir, args[1:]))
		case "seed":
			os.Exit(runSeedCommand(homeDir, args[1:]))
		case "maintain":
			os.Exit(runMaintainCommand(ctx, homeDir, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, homeDir)
}

func runDaemon(ctx context.Context, homeDir string) {
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		if err := config.Save(cfg); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}

	if err := catalog.EnsureSeedFile(cfg.SeedPath); err != nil {
		fatalStartup(logger, "E_SEED_WRITE", err)
	}
	cat, table, err := catalog.LoadSeedFile(cfg.SeedPath)
	if err != nil {
		fatalStartup(logger, "E_SEED_LOAD", err)
	}
	logger.Info("startup phase", "phase", "seed_loaded",
		"path", cfg.SeedPath,
		"statuses", cat.Len(),
		"rules", len(table.Rules()))

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()
	g := guard.New(store, logger, cfg.LockStaleness(), cfg.DefaultCooldown(),
		guard.WithBus(eventBus),
		guard.WithMetrics(metrics))
	recorder := history.NewRecorder(store, logger, metrics)
	machine := lifecycle.New(store, recorder, g, cat, table, logger,
		lifecycle.WithBus(eventBus),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithTracer(otelProvider.Tracer))
	led := ledger.New(store, logger,
		ledger.WithBus(eventBus),
		ledger.WithMetrics(metrics),
		ledger.WithTracer(otelProvider.Tracer))

	mirror, err := audit.Open(cfg.HomeDir, logger)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer mirror.Close()
	go mirror.Run(ctx, eventBus)

	if cfg.Maintenance.Schedule != "" {
		runner, err := maintenance.NewRunner(maintenance.Config{
			Store:            store,
			Logger:           logger,
			Schedule:         cfg.Maintenance.Schedule,
			LockRowRetention: time.Duration(cfg.Maintenance.LockRowRetentionDays) * 24 * time.Hour,
		})
		if err != nil {
			fatalStartup(logger, "E_MAINTENANCE_INIT", err)
		}
		runner.Start(ctx)
		defer runner.Stop()
	} else {
		logger.Warn("maintenance schedule empty; housekeeping disabled")
	}

	// Hot-reload the transition rules when the seed file changes. Config
	// changes still need a restart.
	watcher := config.NewWatcher(cfg.HomeDir, cfg.SeedPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err.Error())
	} else {
		go func() {
			for ev := range watcher.Events() {
				if ev.Path != cfg.SeedPath {
					logger.Info("config.yaml changed; restart to apply", "path", ev.Path)
					continue
				}
				newCat, newTable, err := catalog.LoadSeedFile(cfg.SeedPath)
				if err != nil {
					logger.Error("seed reload rejected", "path", cfg.SeedPath, "error", err.Error())
					continue
				}
				machine.ReplaceRules(newCat, newTable)
			}
		}()
	}

	rl := api.NewRateLimitMiddleware(cfg.RateLimit, metrics)
	rl.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
	server := api.NewServer(api.Config{
		Machine:           machine,
		Guard:             g,
		Ledger:            led,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		RateLimit:         rl,
	})

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", cfg.BindAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("statekeeper %s listening on http://%s (home: %s)\n", Version, cfg.BindAddr, cfg.HomeDir)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err.Error())
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_HTTP_SERVE", err)
		}
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"lifecycle","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
