package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanCycle           = "sync.cycle"
	SpanCollectSessions = "sync.collect.sessions"
	SpanCollectSkills   = "sync.collect.skills"
	SpanUploadSessions  = "sync.upload.sessions"
	SpanUploadSkills    = "sync.upload.skills"
)

// Standard attribute keys for sync spans.
var (
	AttrRunID      = attribute.Key("clawsync.run.id")
	AttrProjectID  = attribute.Key("clawsync.project.id")
	AttrCandidates = attribute.Key("clawsync.candidates")
	AttrUploaded   = attribute.Key("clawsync.uploaded")
	AttrFailed     = attribute.Key("clawsync.failed")
	AttrAttempts   = attribute.Key("clawsync.attempts")
	AttrTrigger    = attribute.Key("clawsync.trigger")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound ingest call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
