package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/irfndi/optiroute"

// Span names used by the router pipeline.
const (
	SpanAnalyzeAndRoute = "router.analyze_and_route"
	SpanAnalyze         = "complexity.analyze"
	SpanEscalate        = "complexity.escalate"
	SpanRoute           = "routing.route"
	SpanExecute         = "router.execute"
)

// StartSpan opens a span on the globally registered tracer provider. Without an
// exporter configured the span is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// FinishSpan records err (if any) and ends the span.
func FinishSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
