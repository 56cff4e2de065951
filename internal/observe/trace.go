package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/turnstile"

// Tracer returns the turnstile tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it, usually through
// [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID carried by ctx, or "" when ctx has no
// span. It is echoed to clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Stage starts a span for one stage of a turn or request and returns a done
// func that ends it and records the stage latency. span names the operation
// ("turn.stt", "api.synthesize"); stage is one of the Stage constants.
func (m *Metrics) Stage(ctx context.Context, span, stage string) (context.Context, func(error)) {
	ctx, s := StartSpan(ctx, span, trace.WithAttributes(attribute.String("stage", stage)))
	start := time.Now()
	return ctx, func(err error) {
		m.RecordStage(ctx, stage, time.Since(start))
		EndSpan(s, err)
	}
}

// Logger returns the default logger with the trace and span IDs of ctx
// attached, when ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
