// Package telemetry traces the updater's long-running operations with
// OpenTelemetry. Until Initialize succeeds every span is a no-op.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "otaupdater"

// Span attributes set by the updater.
const (
	DownloadIDKey = attribute.Key("update.download_id")
	DeviceKey     = attribute.Key("device.product")
)

var tracer trace.Tracer

// Config describes where spans are exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Device         string
	Endpoint       string
	Headers        map[string]string
	Insecure       bool
	// SampleRatio below 1 samples that fraction of root spans.
	SampleRatio float64
}

// ConfigFromEnv builds a Config from HONEYCOMB_* or OTEL_* variables. It
// reports false when no exporter is configured.
func ConfigFromEnv(serviceVersion, device string) (Config, bool) {
	cfg := Config{
		ServiceName:    getEnvOrDefault("OTEL_SERVICE_NAME", defaultServiceName),
		ServiceVersion: serviceVersion,
		Device:         device,
		SampleRatio:    1,
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0 && ratio <= 1 {
			cfg.SampleRatio = ratio
		}
	}

	switch {
	case os.Getenv("HONEYCOMB_API_KEY") != "":
		cfg.Endpoint = getEnvOrDefault("HONEYCOMB_ENDPOINT", "api.honeycomb.io")
		cfg.Headers = map[string]string{"x-honeycomb-team": os.Getenv("HONEYCOMB_API_KEY")}
	case os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "":
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "false"
	default:
		return cfg, false
	}
	return cfg, true
}

// Initialize installs a batching OTLP/HTTP tracer provider and returns its
// shutdown func.
func Initialize(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("telemetry endpoint is required")
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Device != "" {
		attrs = append(attrs, DeviceKey.String(cfg.Device))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithTelemetrySDK(),
		resource.WithOS(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithHeaders(cfg.Headers),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tracer = tp.Tracer(cfg.ServiceName)

	return tp.Shutdown, nil
}

// InitializeFromEnv calls Initialize when the environment names an
// exporter and otherwise returns a no-op shutdown.
func InitializeFromEnv(ctx context.Context, serviceVersion, device string) (func(context.Context) error, error) {
	cfg, ok := ConfigFromEnv(serviceVersion, device)
	if !ok {
		return func(context.Context) error { return nil }, nil
	}
	return Initialize(ctx, cfg)
}

func getTracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer(defaultServiceName)
	}
	return tracer
}

// StartSpan starts a new span with the given name
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return getTracer().Start(ctx, name, opts...)
}

// StartUpdateSpan starts a span tagged with the update's download id.
func StartUpdateSpan(ctx context.Context, name, downloadID string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(DownloadIDKey.String(downloadID)))
}

// EndSpan records err on the span and ends it. Cancellation is not an error.
func EndSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
