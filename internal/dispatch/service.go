package dispatch

import (
	"context"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/perror"
	"github.com/relaymesh/llmproxy/internal/session"
	"github.com/relaymesh/llmproxy/internal/telemetry"
	"github.com/relaymesh/llmproxy/internal/tokenest"
)

// ModelLimits describes the resolved model's context-window constraints,
// looked up by the caller (internal/config) before calling the service.
type ModelLimits struct {
	MaxInputTokens  int // 0 = no limit
	MaxOutputTokens int // 0 = no limit
}

// ModelLimitsFor resolves the limits for a (backend,model) pair.
type ModelLimitsFor func(backendName, model string) ModelLimits

// editPrecisionPattern matches a user message indicating a previous edit
// failed, per spec's inbound edit-precision guard.
var editPrecisionPattern = regexp.MustCompile(`(?i)(edit (failed|did not apply)|could not apply (the )?edit|no changes (were )?made)`)

// Service implements the backend dispatch/failover/rate-limit contract
// (spec §4.F).
type Service struct {
	Connectors      *backend.Registry
	Limiter         *Limiter
	ModelLimits     ModelLimitsFor
	MaxRetryAfter   time.Duration // cumulative bound on rate-limit backoff
	DefaultBackend  string

	// Tracer opens one span per dispatch-plan step attempted; nil falls
	// back to a no-op tracer.
	Tracer trace.Tracer
}

func (s *Service) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return telemetry.GetTracer(nil)
}

// Call implements spec §4.F's contract: resolve a dispatch plan, apply
// per-backend config, check the rate limiter, invoke the connector, and
// walk the plan on failure per the retry/failover rules of spec §7. The
// returned backend name identifies whichever plan step actually served the
// call, for the request processor's history log.
func (s *Service) Call(ctx context.Context, req canonical.Request, routes Routes, oneoff *session.Route, allowFailover bool) (*canonical.Response, canonical.StreamIter, string, error) {
	plan := BuildPlan(req.Model, routes, oneoff, s.DefaultBackend, s.Connectors.Keys)
	if len(plan) == 0 {
		return nil, nil, "", perror.InvalidRequest("no_route", "could not resolve a dispatch plan for model "+req.Model)
	}

	if limits := s.limitsForFirstStep(plan); limits.MaxInputTokens > 0 {
		if n := tokenest.CountMessages(req.Messages); n > limits.MaxInputTokens {
			return nil, nil, "", perror.InvalidRequest("input_limit_exceeded", "prompt exceeds model's input token limit")
		}
	}

	var attempts []perror.AttemptInfo
	var cumulativeWait time.Duration

	for i := 0; i < len(plan); i++ {
		step := plan[i]

		if !allowFailover && i > 0 {
			break
		}

		callReq := s.applyPerBackendConfig(req, step)

		if !s.Limiter.Allow(step.Backend, step.KeyName) {
			attempts = append(attempts, perror.AttemptInfo{Backend: step.Backend, Model: step.Model, Kind: perror.KindRateLimited, Reason: "rate limiter rejected call"})
			continue
		}

		conn, err := s.Connectors.Get(step.Backend)
		if err != nil {
			attempts = append(attempts, perror.AttemptInfo{Backend: step.Backend, Model: step.Model, Kind: perror.KindModelNotSupported, Reason: err.Error()})
			continue
		}

		cr, callErr := s.call(ctx, conn, callReq, step)
		if callErr == nil {
			return cr.resp, cr.stream, step.Backend, nil
		}

		pe, _ := perror.AsError(callErr)
		if pe == nil {
			pe = perror.Internal(callErr)
		}

		switch pe.Kind {
		case perror.KindRateLimited:
			if pe.RetryAfter != nil && cumulativeWait+*pe.RetryAfter <= s.MaxRetryAfter {
				cumulativeWait += *pe.RetryAfter
				select {
				case <-time.After(*pe.RetryAfter):
				case <-ctx.Done():
					return nil, nil, "", perror.New(perror.KindCancelled, "cancelled", ctx.Err())
				}
				i-- // retry the same step
				attempts = append(attempts, perror.AttemptInfo{Backend: step.Backend, Model: step.Model, Kind: pe.Kind, Reason: "rate limited, retried after backoff"})
				continue
			}
			attempts = append(attempts, perror.AttemptInfo{Backend: step.Backend, Model: step.Model, Kind: pe.Kind, Reason: "rate limit bound exceeded"})
		case perror.KindUpstreamTransient:
			// retry once, then fall through to the next step
			cr2, err2 := s.call(ctx, conn, callReq, step)
			if err2 == nil {
				return cr2.resp, cr2.stream, step.Backend, nil
			}
			attempts = append(attempts, perror.AttemptInfo{Backend: step.Backend, Model: step.Model, Kind: pe.Kind, Reason: pe.Error()})
		default:
			attempts = append(attempts, perror.AttemptInfo{Backend: step.Backend, Model: step.Model, Kind: pe.Kind, Reason: pe.Error()})
		}
	}

	return nil, nil, "", perror.BackendExhausted(attempts)
}

func (s *Service) limitsForFirstStep(plan []Step) ModelLimits {
	if s.ModelLimits == nil || len(plan) == 0 {
		return ModelLimits{}
	}
	return s.ModelLimits(plan[0].Backend, plan[0].Model)
}

// applyPerBackendConfig resolves the caller-visible model onto the
// effective per-step model, caps maxTokens to the model's limit, and
// applies the edit-precision guard (spec §4.G item 1, executed here since
// spec places it in the per-backend config step of §4.F).
func (s *Service) applyPerBackendConfig(req canonical.Request, step Step) canonical.Request {
	out := req.Clone()
	out.Model = step.Model

	if limits := s.limitsFor(step); limits.MaxOutputTokens > 0 {
		if out.MaxTokens == nil || *out.MaxTokens > limits.MaxOutputTokens {
			v := limits.MaxOutputTokens
			out.MaxTokens = &v
		}
	}

	if lastUserEditFailed(out.Messages) {
		t, p := 0.05, 0.2
		out.Temperature = &t
		out.TopP = &p
	}

	return out
}

func (s *Service) limitsFor(step Step) ModelLimits {
	if s.ModelLimits == nil {
		return ModelLimits{}
	}
	return s.ModelLimits(step.Backend, step.Model)
}

func lastUserEditFailed(messages []canonical.Message) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != canonical.RoleUser {
			continue
		}
		return editPrecisionPattern.MatchString(messages[i].Text)
	}
	return false
}

// callResult bundles a connector call's two success-path return values so
// it can travel as telemetry.RecordSpan's single generic result type.
type callResult struct {
	resp   *canonical.Response
	stream canonical.StreamIter
}

// call invokes the connector inside one dispatch span (SPEC_FULL.md §1.1's
// "backend service ... opens an OTel span per ... dispatch step").
func (s *Service) call(ctx context.Context, conn backend.Connector, req canonical.Request, step Step) (callResult, error) {
	return telemetry.RecordSpan(ctx, s.tracer(), telemetry.SpanOptions{
		Name:       "llmproxy.dispatch",
		Attributes: telemetry.DispatchAttributes(step.Backend, step.Model),
	}, func(ctx context.Context, _ trace.Span) (callResult, error) {
		resp, stream, err := conn.ChatCompletions(ctx, req, backend.CallOptions{KeyName: step.KeyName, APIKey: step.KeyName, SessionID: req.SessionID})
		return callResult{resp: resp, stream: stream}, err
	})
}
