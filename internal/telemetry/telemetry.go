// Package telemetry sets up OpenTelemetry tracing and metrics export for the
// daemon. Export is opt-in; when disabled the global providers stay no-op.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config selects what is exported and where.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
	// Endpoint is the OTLP gRPC collector, host:port or a URL. Empty uses
	// the exporter defaults and the standard OTEL_* variables.
	Endpoint string
	// MetricInterval is the export period of the meter provider.
	MetricInterval time.Duration
}

// ConfigFromEnv enables export when CTA_OTEL_ENABLED is true or an endpoint
// is set. CTA_OTEL_ENDPOINT takes precedence over
// OTEL_EXPORTER_OTLP_ENDPOINT.
func ConfigFromEnv(service, version string) Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if ep := os.Getenv("CTA_OTEL_ENDPOINT"); ep != "" {
		endpoint = ep
	}
	return Config{
		ServiceName:    service,
		ServiceVersion: version,
		Enabled:        os.Getenv("CTA_OTEL_ENABLED") == "true" || endpoint != "",
		Endpoint:       endpoint,
		MetricInterval: 30 * time.Second,
	}
}

// ShutdownFunc flushes and stops the exporters.
type ShutdownFunc func(ctx context.Context) error

func noop(context.Context) error { return nil }

// Init installs the global tracer and meter providers. The returned function
// must be called on exit to flush pending spans and metrics.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noop, nil
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	spanExporter, err := otlptracegrpc.New(ctx, traceOptions(cfg.Endpoint)...)
	if err != nil {
		return noop, fmt.Errorf("creating span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOptions(cfg.Endpoint)...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return noop, fmt.Errorf("creating metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func isURL(endpoint string) bool {
	return strings.Contains(endpoint, "://")
}

func traceOptions(endpoint string) []otlptracegrpc.Option {
	switch {
	case endpoint == "":
		return nil
	case isURL(endpoint):
		return []otlptracegrpc.Option{otlptracegrpc.WithEndpointURL(endpoint)}
	default:
		return []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure()}
	}
}

func metricOptions(endpoint string) []otlpmetricgrpc.Option {
	switch {
	case endpoint == "":
		return nil
	case isURL(endpoint):
		return []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpointURL(endpoint)}
	default:
		return []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure()}
	}
}
