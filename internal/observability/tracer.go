// Package observability wires the OpenTelemetry tracer provider.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/amillerrr/kino-pipeline/internal/config"
)

// Service names reported on spans.
const (
	ServiceAPI    = "kino-api"
	ServiceWorker = "kino-worker"
	ServiceCLI    = "kinoctl"
)

const batchTimeout = 5 * time.Second

// InitTracer registers a global tracer provider exporting over OTLP gRPC and
// returns its shutdown func. Setting OTEL_EXPORTER_OTLP_ENDPOINT to "none"
// keeps tracing local: spans are created but never exported.
func InitTracer(ctx context.Context, serviceName string, cfg *config.Config) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	endpoint := strings.TrimSpace(cfg.Observability.OTLPEndpoint)
	if endpoint != "" && endpoint != "none" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(endpoint),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("OpenTelemetry tracer initialized", "service", serviceName, "endpoint", endpoint)
	return tp.Shutdown, nil
}
