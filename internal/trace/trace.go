// Package trace wires OpenTelemetry span export. Export is enabled only when
// OTEL_SERVICE_NAME is set; otherwise every tracing call is a no-op.
package trace

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "cog-director"

// Setup installs an OTLP-exporting tracer provider when OTEL_SERVICE_NAME is
// present. The returned shutdown func flushes pending spans; it is non-nil
// either way.
func Setup(ctx context.Context) (func(context.Context) error, error) {
	if os.Getenv("OTEL_SERVICE_NAME") == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return func(context.Context) error { return nil }, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Tracer returns the director's tracer from the global provider.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// SpanAttributesFromEnv parses COG_SPAN_ATTRIBUTES ("k=v,k2=v2") into span
// attributes applied to every prediction span.
func SpanAttributesFromEnv() []attribute.KeyValue {
	raw := os.Getenv("COG_SPAN_ATTRIBUTES")
	if raw == "" {
		return nil
	}

	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		attrs = append(attrs, attribute.String(strings.TrimSpace(k), strings.TrimSpace(v)))
	}
	return attrs
}
