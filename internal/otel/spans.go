package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for agentcore spans and measurements.
var (
	AttrThreadID  = attribute.Key("agentcore.thread.id")
	AttrTaskID    = attribute.Key("agentcore.task.id")
	AttrToolName  = attribute.Key("agentcore.tool.name")
	AttrDecision  = attribute.Key("agentcore.approval.decision")
	AttrRule      = attribute.Key("agentcore.approval.rule")
	AttrStatus    = attribute.Key("agentcore.task.status")
	AttrOutcome   = attribute.Key("agentcore.outcome")
	AttrOperation = attribute.Key("agentcore.store.op")
	AttrProvider  = attribute.Key("agentcore.agent.provider")
	AttrModel     = attribute.Key("agentcore.agent.model")
)

var nopTracer = noop.NewTracerProvider().Tracer(TracerName)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
// A nil tracer yields a non-recording span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nopTracer
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (agent spawn, approval prompt).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nopTracer
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
