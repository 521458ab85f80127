package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for bridge spans.
var (
	AttrRobotID     = attribute.Key("deks.robot.id")
	AttrCommandID   = attribute.Key("deks.command.id")
	AttrAction      = attribute.Key("deks.command.action")
	AttrEnvelope    = attribute.Key("deks.envelope.type")
	AttrViewerID    = attribute.Key("deks.viewer.id")
	AttrWarningType = attribute.Key("deks.safety.warning_type")
	AttrLinkState   = attribute.Key("deks.link.state")
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
