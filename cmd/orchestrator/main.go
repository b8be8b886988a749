// Command orchestrator runs the trial pipeline and gives operators a CLI
// over it. `start` runs the full stack in one process: migrations, the
// worker pool, the cron scheduler, the autoscaler and the monitor. The
// remaining subcommands submit jobs or inspect pipeline state.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/app"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

const usage = `Usage: orchestrator <command> [arguments]

Commands:
  start                                     run migrations, worker pool, cron, autoscaler, monitor
  scrape [registry ...]                     enqueue full scrapes (default: every live-API registry)
  incremental [registry ...] [--since DAY]  enqueue incremental scrapes since DAY (YYYY-MM-DD)
  import <registry> <path>                  enqueue a bulk dump import (euctr, ictrp)
  dedupe [--batch N]                        enqueue one deduplication batch
  enrich                                    enqueue the embedding/geocoding backfill
  match <patient-id> [--limit N]            rank recruiting trials for a patient
  status                                    print queue, worker, run and alert snapshot
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		fmt.Print(usage)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: config: %v\n", err)
		return 1
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.SetAppEnv(cfg.AppEnv)

	switch cmd {
	case "start":
		return runStart(cfg)
	case "scrape":
		return runScrape(cfg, domain.ScrapeKindFull, rest)
	case "incremental":
		return runScrape(cfg, domain.ScrapeKindIncremental, rest)
	case "import":
		return runImport(cfg, rest)
	case "dedupe":
		return runDedupe(cfg, rest)
	case "enrich":
		return runEnrich(cfg)
	case "match":
		return runMatch(cfg, rest)
	case "status":
		return runStatus(cfg)
	default:
		fmt.Fprintf(os.Stderr, "orchestrator: unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

// exitCode classifies an error: bad operator input is 2, everything else 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrManualImportRequired) {
		return 2
	}
	return 1
}

func runStart(cfg config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.InitMetrics()
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", slog.Any("error", err))
		return 1
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		return 1
	}

	pool := a.WorkerPool()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return a.Cron().Run(gctx) })
	g.Go(func() error { return a.Autoscaler(pool).Run(gctx) })
	g.Go(func() error { return a.Monitor().Run(gctx) })
	g.Go(func() error { return app.ServeMetrics(gctx, cfg.MetricsPort) })
	if cleanup := a.Cleanup(); cleanup != nil {
		g.Go(func() error {
			cleanup.RunPeriodic(gctx, cfg.CleanupInterval)
			return nil
		})
	}
	slog.Info("orchestrator started",
		slog.Int("metrics_port", cfg.MetricsPort),
		slog.Any("lanes", cfg.WorkerLanes))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("orchestrator stopped", slog.Any("error", err))
		return 1
	}
	slog.Info("orchestrator stopped")
	return 0
}
