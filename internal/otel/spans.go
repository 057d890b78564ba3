package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by orchestrator and gateway spans.
var (
	AttrAgentID   = attribute.Key("agentq.agent.id")
	AttrAgentKind = attribute.Key("agentq.agent.kind")
	AttrTaskID    = attribute.Key("agentq.task.id")
	AttrRunID     = attribute.Key("agentq.run.id")
	AttrAttempt   = attribute.Key("agentq.task.attempt")
	AttrOutcome   = attribute.Key("agentq.task.outcome")
	AttrRoute     = attribute.Key("agentq.http.route")
)

// StartSpan starts an internal span with the given attributes.
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
