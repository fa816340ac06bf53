package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Aviary spans.
var (
	AttrAgentName    = attribute.Key("aviary.agent.name")
	AttrTurnID       = attribute.Key("aviary.turn.id")
	AttrSessionID    = attribute.Key("aviary.session.id")
	AttrTaskID       = attribute.Key("aviary.task.id")
	AttrScheduleKind = attribute.Key("aviary.task.schedule")
	AttrDueCount     = attribute.Key("aviary.tick.due_count")
	AttrMessageID    = attribute.Key("aviary.inbox.message.id")
	AttrEngineName   = attribute.Key("aviary.engine.name")
	AttrBackend      = attribute.Key("aviary.store.backend")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (engine delegation).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
