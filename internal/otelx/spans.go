package otelx

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for turnstile spans.
var (
	AttrTurnID     = attribute.Key("turnstile.turn.id")
	AttrSessionID  = attribute.Key("turnstile.session.id")
	AttrAgentID    = attribute.Key("turnstile.agent.id")
	AttrOrg        = attribute.Key("turnstile.organization")
	AttrLeaseOwner = attribute.Key("turnstile.lease.owner")
	AttrCheckpoint = attribute.Key("turnstile.lifecycle.checkpoint")
	AttrTransition = attribute.Key("turnstile.edge.transition")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
