package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for newsgraph spans and metrics.
var (
	AttrTaskID       = attribute.Key("newsgraph.task.id")
	AttrTaskType     = attribute.Key("newsgraph.task.type")
	AttrTaskStatus   = attribute.Key("newsgraph.task.status")
	AttrProvider     = attribute.Key("newsgraph.llm.provider")
	AttrModel        = attribute.Key("newsgraph.llm.model")
	AttrErrorClass   = attribute.Key("newsgraph.llm.error_class")
	AttrTokensInput  = attribute.Key("newsgraph.llm.tokens.input")
	AttrTokensOutput = attribute.Key("newsgraph.llm.tokens.output")
	AttrGraphType    = attribute.Key("newsgraph.snapshot.graph_type")
	AttrApplyKind    = attribute.Key("newsgraph.apply.kind")
	AttrRoute        = attribute.Key("newsgraph.http.route")
	AttrHTTPStatus   = attribute.Key("newsgraph.http.status")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound provider call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span (when non-nil) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
