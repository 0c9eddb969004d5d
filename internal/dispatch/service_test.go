package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/perror"
	"github.com/relaymesh/llmproxy/internal/session"
)

// fakeConnector returns the configured errors in order, then succeeds.
type fakeConnector struct {
	name   string
	errs   []error
	calls  int
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) ChatCompletions(ctx context.Context, req canonical.Request, opts backend.CallOptions) (*canonical.Response, canonical.StreamIter, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) {
		return nil, nil, f.errs[idx]
	}
	return &canonical.Response{ID: "ok", Model: req.Model, Choices: []canonical.Choice{{Message: canonical.Message{Role: canonical.RoleAssistant, Text: "hi"}}}}, nil, nil
}

func (f *fakeConnector) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func TestService_Call_RateLimitWithRetryAfterRetriesSameStep(t *testing.T) {
	retryAfter := 10 * time.Millisecond
	conn := &fakeConnector{
		name: "openrouter",
		errs: []error{perror.RateLimited("429", &retryAfter, nil)},
	}

	reg := backend.NewRegistry()
	reg.Register("openrouter", conn)
	reg.RegisterKeys("openrouter", []string{"K1", "K2"})

	svc := &Service{
		Connectors:    reg,
		Limiter:       NewLimiter(1000, 1000),
		MaxRetryAfter: time.Second,
	}

	routes := Routes{
		Global: map[string]session.Route{
			"r": {Name: "r", Policy: "k", OrderedElements: []string{"openrouter:model-x"}},
		},
	}

	req := canonical.Request{Model: "r", Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}}}
	resp, stream, _, err := svc.Call(context.Background(), req, routes, nil, true)

	require.NoError(t, err)
	assert.Nil(t, stream)
	assert.Equal(t, "ok", resp.ID)
	assert.Equal(t, 1, conn.calls-1, "expected exactly one retry before success")
}

func TestService_Call_InputLimitExceededMakesZeroUpstreamCalls(t *testing.T) {
	conn := &fakeConnector{name: "openai"}
	reg := backend.NewRegistry()
	reg.Register("openai", conn)

	svc := &Service{
		Connectors: reg,
		Limiter:    NewLimiter(1000, 1000),
		ModelLimits: func(backendName, model string) ModelLimits {
			return ModelLimits{MaxInputTokens: 1}
		},
		DefaultBackend: "openai",
	}

	req := canonical.Request{Model: "gpt-4", Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "a very long message that exceeds the tiny limit"}}}
	_, _, _, err := svc.Call(context.Background(), req, Routes{}, nil, true)

	require.Error(t, err)
	assert.True(t, perror.Is(err, perror.KindInvalidRequest))
	assert.Equal(t, 0, conn.calls)
}

func TestService_Call_BackendExhaustedAggregatesAttempts(t *testing.T) {
	conn := &fakeConnector{name: "openai", errs: []error{
		perror.New(perror.KindModelNotSupported, "nope", nil),
	}}
	reg := backend.NewRegistry()
	reg.Register("openai", conn)

	svc := &Service{Connectors: reg, Limiter: NewLimiter(1000, 1000), DefaultBackend: "openai"}

	req := canonical.Request{Model: "openai:weird-model", Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}}}
	_, _, _, err := svc.Call(context.Background(), req, Routes{}, nil, true)

	require.Error(t, err)
	assert.True(t, perror.Is(err, perror.KindBackendExhausted))
	pe, _ := perror.AsError(err)
	require.Len(t, pe.Attempts, 1)
}
