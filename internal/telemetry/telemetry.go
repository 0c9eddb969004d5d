// Package telemetry opens an OTel span per request-processor and
// backend-dispatch step, so the proxy's Non-goal of persisted chat history
// doesn't also mean it's unobservable (SPEC_FULL.md §1.1). Adapted from the
// teacher's pkg/telemetry/{tracer,span}.go: the same
// Settings/GetTracer/RecordSpan shape, trimmed of the AI-SDK-specific
// generate/stream telemetry attributes and given the proxy's own
// (backend, model, session) attribute set.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName identifies this proxy's spans in whatever OTel backend
// collects them.
const TracerName = "llmproxy"

// Settings mirrors the teacher's telemetry.Settings, trimmed to the
// fields this proxy actually has a use for.
type Settings struct {
	IsEnabled bool
	Tracer    trace.Tracer
}

// GetTracer returns a no-op tracer when settings is nil or telemetry is
// disabled (even if settings.Tracer is set); otherwise settings.Tracer if
// supplied, else the global OTel tracer.
func GetTracer(settings *Settings) trace.Tracer {
	if settings == nil || !settings.IsEnabled {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	if settings.Tracer != nil {
		return settings.Tracer
	}
	return otel.Tracer(TracerName)
}

// SpanOptions configures one RecordSpan call.
type SpanOptions struct {
	Name       string
	Attributes []attribute.KeyValue
}

// RecordSpan runs fn inside a span named opts.Name, recording any returned
// error on the span before ending it. Grounded on the teacher's
// telemetry.RecordSpan, simplified to always end the span (the proxy has
// no streaming-span-kept-open use case the teacher's EndWhenDone flag
// existed for — every dispatch attempt and request is a single bounded
// call here).
func RecordSpan[T any](ctx context.Context, tracer trace.Tracer, opts SpanOptions, fn func(context.Context, trace.Span) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, opts.Name, trace.WithAttributes(opts.Attributes...))
	defer span.End()

	result, err := fn(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// RequestAttributes builds the base attribute set for a request-processor
// span: the frontend protocol and session id.
func RequestAttributes(protocol, sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("llmproxy.protocol", protocol),
		attribute.String("llmproxy.session_id", sessionID),
	}
}

// DispatchAttributes builds the attribute set for one backend-dispatch
// span: which backend/model the step attempted.
func DispatchAttributes(backendName, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("llmproxy.backend", backendName),
		attribute.String("llmproxy.model", model),
	}
}
