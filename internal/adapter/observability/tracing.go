package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/SebastianBO/globaltrial-sub000/internal/config"
)

// SetupTracing wires the OTLP gRPC exporter when an endpoint is configured.
// A full scrape emits one span per registry page, hundreds of thousands per
// run, so production samples at a parent-based ratio instead of tracing
// everything. The returned shutdown drains the batch pipeline; both returns
// are nil when tracing is off.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Info("tracing disabled: no OTLP endpoint")
		return nil, nil
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=tracing.exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.OTELServiceName),
		semconv.DeploymentEnvironmentKey.String(cfg.AppEnv),
	))
	if err != nil {
		return nil, fmt.Errorf("op=tracing.resource: %w", err)
	}

	ratio := sampleRatio(cfg)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_ratio", ratio))
	return tp.Shutdown, nil
}

// sampleRatio resolves the configured ratio, falling back to 10% in prod and
// everything elsewhere. Values outside (0,1] count as unset.
func sampleRatio(cfg config.Config) float64 {
	if r := cfg.TraceSampleRatio; r > 0 && r <= 1 {
		return r
	}
	if cfg.IsProd() {
		return 0.1
	}
	return 1.0
}
