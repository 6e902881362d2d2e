package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming IPC requests)
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for pulsar spans
var (
	AttrTaskID    = attribute.Key("pulsar.task.id")
	AttrHandlerID = attribute.Key("pulsar.handler.id")
	AttrMethod    = attribute.Key("pulsar.method")
	AttrTransport = attribute.Key("pulsar.transport")
	AttrUpgrade   = attribute.Key("pulsar.upgrade.kind")
	AttrURL       = attribute.Key("pulsar.url")
	AttrHTTPCode  = attribute.Key("pulsar.http.code")
	AttrAttempt   = attribute.Key("pulsar.attempt")
)
