package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for tutor sessions.
const (
	AttrSessionID = attribute.Key("livetutor.session.id")
	AttrErrorKind = attribute.Key("livetutor.error.kind")
	AttrStopped   = attribute.Key("livetutor.session.stopped")
)

// tracerName is the instrumentation scope name for the livetutor tracer.
const tracerName = "github.com/dewayanto/livetutor"

// Tracer returns the package-level [trace.Tracer] for livetutor. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span for one lifecycle step of a session, such
// as "start" or "stop". The span is named "session.<step>".
func StartSessionSpan(ctx context.Context, step, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session."+step, trace.WithAttributes(AttrSessionID.String(sessionID)))
}

// FailSpan records err on span and marks it failed. kind is one of the
// ErrorKind values and may be empty.
func FailSpan(span trace.Span, kind string, err error) {
	span.RecordError(err)
	if kind != "" {
		span.SetAttributes(AttrErrorKind.String(kind))
	}
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The trace ID doubles as the request correlation ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// SessionLogger is [Logger] with a session_id attribute.
func SessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	return Logger(ctx).With("session_id", sessionID)
}
