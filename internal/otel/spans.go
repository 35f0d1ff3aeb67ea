package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for statekeeper spans.
var (
	AttrEntityID   = attribute.Key("statekeeper.entity.id")
	AttrCategory   = attribute.Key("statekeeper.entity.category")
	AttrStatusFrom = attribute.Key("statekeeper.status.from")
	AttrStatusTo   = attribute.Key("statekeeper.status.to")
	AttrActor      = attribute.Key("statekeeper.actor")
	AttrRunID      = attribute.Key("statekeeper.run.id")
	AttrProviderID = attribute.Key("statekeeper.provider.id")
	AttrModelID    = attribute.Key("statekeeper.model.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound admin API request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
