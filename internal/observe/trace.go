package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/speakwell"

// UserIDKey is the span attribute carrying the user a span acts for.
const UserIDKey = attribute.Key("speakwell.user_id")

type userKey struct{}

// WithUser returns a copy of ctx that carries userID. Spans started by
// [StartSpan] and loggers from [Logger] pick it up.
func WithUser(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user stored by [WithUser].
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok
}

// StartSpan starts a span on the global tracer provider. The user in ctx, if
// any, is recorded on the span. Callers must End the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id, ok := UserFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(UserIDKey.String(id)))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// TraceID returns the hex trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the user and trace of ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id, ok := UserFrom(ctx); ok {
		attrs = append(attrs, slog.String("user_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
