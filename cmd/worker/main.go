// Command worker runs a standalone worker pool for horizontal scale-out.
// Each instance leases jobs from the shared queue on its configured lanes
// and sizes itself from queue depth.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/app"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	lanes := flag.String("lanes", "", "comma-separated queue lanes to lease (overrides WORKER_LANES)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: config: %v\n", err)
		return 1
	}
	if *lanes != "" {
		cfg.WorkerLanes = splitLanes(*lanes)
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.SetAppEnv(cfg.AppEnv)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", slog.Any("error", err))
		return 1
	}
	defer a.Close()

	pool := a.WorkerPool()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return a.Autoscaler(pool).Run(gctx) })
	g.Go(func() error { return app.ServeMetrics(gctx, cfg.MetricsPort) })
	slog.Info("worker started",
		slog.Any("lanes", cfg.WorkerLanes),
		slog.Int("metrics_port", cfg.MetricsPort))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", slog.Any("error", err))
		return 1
	}
	slog.Info("worker stopped")
	return 0
}

func splitLanes(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
