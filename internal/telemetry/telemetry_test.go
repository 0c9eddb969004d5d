package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestGetTracer_NilSettingsFallsBackToNoop(t *testing.T) {
	tracer := GetTracer(nil)
	require.NotNil(t, tracer)

	// A no-op tracer still satisfies the trace.Tracer interface and can
	// start a span without panicking.
	_, span := tracer.Start(context.Background(), "test")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestGetTracer_DisabledSettingsFallsBackToNoop(t *testing.T) {
	tracer := GetTracer(&Settings{IsEnabled: false})
	require.NotNil(t, tracer)
	_, span := tracer.Start(context.Background(), "test")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestRecordSpan_ReturnsResultOnSuccess(t *testing.T) {
	tracer := GetTracer(nil)

	result, err := RecordSpan(context.Background(), tracer, SpanOptions{Name: "op"}, func(ctx context.Context, span trace.Span) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestRecordSpan_PropagatesError(t *testing.T) {
	tracer := GetTracer(nil)
	wantErr := errors.New("boom")

	_, err := RecordSpan(context.Background(), tracer, SpanOptions{Name: "op"}, func(ctx context.Context, span trace.Span) (string, error) {
		return "", wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestRequestAttributes_CarriesProtocolAndSession(t *testing.T) {
	attrs := RequestAttributes("openai", "sess-1")
	require.Len(t, attrs, 2)
	assert.Equal(t, "llmproxy.protocol", string(attrs[0].Key))
	assert.Equal(t, "openai", attrs[0].Value.AsString())
	assert.Equal(t, "sess-1", attrs[1].Value.AsString())
}

func TestDispatchAttributes_CarriesBackendAndModel(t *testing.T) {
	attrs := DispatchAttributes("openrouter", "gpt-4o")
	require.Len(t, attrs, 2)
	assert.Equal(t, "openrouter", attrs[0].Value.AsString())
	assert.Equal(t, "gpt-4o", attrs[1].Value.AsString())
}
