package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/epic-hq/Insights-sub011"

type interviewKey struct{}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// WithInterview tags ctx with the interview being processed. [Logger]
// adds it to every record.
func WithInterview(ctx context.Context, interviewID string) context.Context {
	if interviewID == "" {
		return ctx
	}
	return context.WithValue(ctx, interviewKey{}, interviewID)
}

// InterviewID returns the interview tagged by [WithInterview], or "".
func InterviewID(ctx context.Context) string {
	id, _ := ctx.Value(interviewKey{}).(string)
	return id
}

// CorrelationID returns the trace ID of the span in ctx, or "". It is
// echoed to clients in the X-Correlation-ID header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with trace_id and
// span_id from the span in ctx and with the interview_id tagged by
// [WithInterview]. Without either, the default logger is returned as is.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := InterviewID(ctx); id != "" {
		l = l.With(slog.String("interview_id", id))
	}
	return l
}
