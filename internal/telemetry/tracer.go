// Package telemetry wires the process-wide go.opentelemetry.io/otel
// TracerProvider consulted by internal/controller's spans. Nothing in the conversation runtime plane imports this package
// directly — cmd/conversationd calls Init once at startup and the rest of
// the tree reaches the registered provider through otel's global accessor,
// so tests and library callers that never call Init get otel's no-op
// tracer for free.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls whether and where traces are exported.
type Config struct {
	// Enabled gates the whole thing; when false, Init is a no-op and the
	// process keeps otel's default no-op tracer.
	Enabled bool
	// OTLPEndpoint is the gRPC collector address, e.g. "localhost:4317".
	OTLPEndpoint string
	// ServiceName tags every span's resource attributes.
	ServiceName string
}

// Init installs a batching OTLP/gRPC TracerProvider as the global provider
// and returns a shutdown func that flushes and closes the exporter; callers
// should defer it. A disabled Config returns a no-op shutdown.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
