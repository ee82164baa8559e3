package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/readaloud"

// SpeechIDKey is the span attribute naming the speech an operation acts on.
const SpeechIDKey = attribute.Key("readaloud.speech.id")

type speechKey struct{}

// StartSpan starts a span on the global tracer provider. The caller must
// call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// WithSpeech tags the span in ctx with the speech ID and returns a context
// whose [Logger] adds speech=id to every record.
func WithSpeech(ctx context.Context, id string) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(SpeechIDKey.String(id))
	return context.WithValue(ctx, speechKey{}, id)
}

// SpeechID returns the speech ID set by [WithSpeech], if any.
func SpeechID(ctx context.Context) string {
	id, _ := ctx.Value(speechKey{}).(string)
	return id
}

// Fail records err on the span in ctx, marks the span as failed and returns
// err.
func Fail(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the span in
// ctx and the speech set by [WithSpeech]. Absent values add nothing.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SpeechID(ctx); id != "" {
		l = l.With(slog.String("speech", id))
	}
	return l
}
