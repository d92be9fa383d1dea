package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for nodepilot spans.
var (
	AttrSubscriptionID = attribute.Key("nodepilot.subscription.id")
	AttrTaskID         = attribute.Key("nodepilot.task.id")
	AttrRecordID       = attribute.Key("nodepilot.record.id")
	AttrInstanceID     = attribute.Key("nodepilot.instance.id")
	AttrTreeID         = attribute.Key("nodepilot.tree.id")
	AttrNodeID         = attribute.Key("nodepilot.node.id")
	AttrStepID         = attribute.Key("nodepilot.step.id")
	AttrBizID          = attribute.Key("nodepilot.biz.id")
	AttrPluginName     = attribute.Key("nodepilot.plugin.name")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (CMDB, job service, agent control).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
