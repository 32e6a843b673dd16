package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const flushTimeout = 5 * time.Second

var tracingEnabled atomic.Bool

// InitTracing exports spans over OTLP/gRPC when OTEL_EXPORTER_OTLP_ENDPOINT
// is set and is a no-op otherwise. The returned func flushes the batch; the
// process exits right after a run, so callers must defer it.
func InitTracing(service, version string) (func(), error) {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if raw == "" {
		slog.Debug("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}
	endpoint, insecure := otlpEndpoint(raw)

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := newTracerProvider(sdktrace.WithBatcher(exporter), service, version)
	otel.SetTracerProvider(tp)
	tracingEnabled.Store(true)
	slog.Info("tracing initialized", slog.String("service", service), slog.String("endpoint", endpoint))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to flush traces", slog.Any("err", err))
		}
		tracingEnabled.Store(false)
	}, nil
}

func newTracerProvider(processor sdktrace.TracerProviderOption, service, version string) *sdktrace.TracerProvider {
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(service),
		semconv.ServiceVersion(version),
	)
	return sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
}

// otlpEndpoint accepts both host:port and the URL form most collectors
// document. Plain host:port and http:// are insecure; https:// uses TLS.
func otlpEndpoint(raw string) (endpoint string, insecure bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimRight(strings.TrimPrefix(raw, "https://"), "/"), false
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimRight(strings.TrimPrefix(raw, "http://"), "/"), true
	}
	return raw, true
}

// IsTracingEnabled reports whether an exporter is installed.
func IsTracingEnabled() bool {
	return tracingEnabled.Load()
}

// StartSpan starts a span tagged with the run id from ctx.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := GetCorrelation(ctx); id != "" {
		attrs = append(attrs, attribute.String("run_id", id))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed. Nil errors are ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
