package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope for every span the gateway emits.
const tracerName = "github.com/talkwire/talkwire"

// Tracer resolves the gateway tracer against the global provider. Resolving
// lazily means spans pick up whatever provider InitProvider registered, even
// when a package captured Tracer before startup finished.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span named name under the span in ctx, if any. The
// caller owns the returned span and must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID reports the active trace ID in ctx, or "" outside a span.
// The same value is echoed to clients as X-Correlation-ID, so a support
// ticket quoting the header can be matched to a trace directly.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger derives a slog.Logger carrying trace_id and span_id attributes from
// the span in ctx. Outside a span it is just slog.Default.
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
