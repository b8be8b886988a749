// Package observability carries the pipeline's ambient concerns: structured
// logging with request-scoped loggers, Prometheus metrics, OTLP tracing, and
// the upstream circuit breaker and match score drift monitor.
package observability

import (
	"log/slog"
	"os"

	"github.com/SebastianBO/globaltrial-sub000/internal/config"
)

// SetupLogger builds the process logger: JSON for machine-read environments,
// a text handler with source locations in dev. Every record carries the
// service name and environment so the server, orchestrator and workers stay
// separable in one log stream.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
