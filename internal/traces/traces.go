// Package traces wires OpenTelemetry tracing around the detection pipeline.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/fraudguard"

// ServiceVersion is reported on every span's resource.
const ServiceVersion = "0.3.0"

// Init installs the global tracer provider. With an empty otlpEndpoint the
// default no-op provider stays in place. The returned function flushes and
// stops the exporter.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("fraudguard"),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name under the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks the span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Span attribute helpers.

func UserID(id string) attribute.KeyValue {
	return attribute.String("fraud.user_id", id)
}

func TransactionID(id string) attribute.KeyValue {
	return attribute.String("fraud.transaction_id", id)
}

func RiskLevel(level string) attribute.KeyValue {
	return attribute.String("fraud.risk_level", level)
}

func AnomalyScore(score float64) attribute.KeyValue {
	return attribute.Float64("fraud.anomaly_score", score)
}

func HistorySize(n int) attribute.KeyValue {
	return attribute.Int("fraud.history_size", n)
}

func Degraded(reason string) attribute.KeyValue {
	return attribute.String("fraud.degraded", reason)
}

func BatchSize(n int) attribute.KeyValue {
	return attribute.Int("fraud.batch_size", n)
}
