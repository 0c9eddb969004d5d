package proxy

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/command"
	"github.com/relaymesh/llmproxy/internal/config"
	"github.com/relaymesh/llmproxy/internal/dispatch"
	"github.com/relaymesh/llmproxy/internal/perror"
	"github.com/relaymesh/llmproxy/internal/projectdir"
	"github.com/relaymesh/llmproxy/internal/respmw"
	"github.com/relaymesh/llmproxy/internal/session"
	"github.com/relaymesh/llmproxy/internal/telemetry"
)

// RequestContext carries the per-request values the processor needs that
// don't come from the wire body: the declared session and its User-Agent
// (for agent detection).
type RequestContext struct {
	SessionID string
	UserAgent string
}

// Result is a completed non-streaming response.
type Result struct {
	SessionID string
	Body      map[string]interface{}
}

// StreamResult is a completed streaming response: Frames yields the wire
// frames to emit, in order, until io.EOF. Close must be called exactly
// once, whether the caller drains Frames to completion or abandons it
// early (e.g. the client disconnected) — it releases the session lock
// held for the stream's duration.
type StreamResult struct {
	SessionID string
	Frames    FrameIter
}

// FrameIter is a lazy, closeable sequence of wire frames for one stream.
type FrameIter interface {
	Next() ([]SSEFrame, error)
	Close() error
}

// Processor implements the request processor (spec §4.H): the 7-step
// sequence every inbound call runs through, from session resolution down
// to the outbound wire translation.
type Processor struct {
	Sessions         *session.Store
	Commands         *command.Registry
	Dispatch         *dispatch.Service
	Middleware       *respmw.Chain
	GlobalRoutes     map[string]session.Route
	ReasoningAliases config.ReasoningAliases

	// ProjectDirResolutionModel names the "backend:model" pair
	// internal/projectdir dispatches its first-turn directory-inference
	// call against; empty disables the resolver entirely.
	ProjectDirResolutionModel string
	MaxRecoveryRetries        int

	// Tracer opens one span per Handle call (SPEC_FULL.md §1.1's "request
	// processor ... opens an OTel span per request"); nil falls back to a
	// no-op tracer, so telemetry is always optional plumbing.
	Tracer trace.Tracer

	// Now is injectable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

func (p *Processor) tracer() trace.Tracer {
	if p.Tracer != nil {
		return p.Tracer
	}
	return telemetry.GetTracer(nil)
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Handle runs the full request-processor sequence for one inbound call.
// Exactly one of the two non-error results is populated: Result for a
// non-streaming call (or a command engine short-circuit), StreamResult
// for a streaming one.
func (p *Processor) Handle(ctx context.Context, codec FrontendCodec, pathModel string, body []byte, reqCtx RequestContext) (*Result, *StreamResult, error) {
	ctx, span := p.tracer().Start(ctx, "llmproxy.request", trace.WithAttributes(
		telemetry.RequestAttributes(codec.Name(), reqCtx.SessionID)...,
	))
	defer span.End()

	result, streamResult, err := p.handle(ctx, codec, pathModel, body, reqCtx)
	if err != nil {
		span.RecordError(err)
	}
	return result, streamResult, err
}

// handle runs the 7-step sequence itself; split from Handle purely so the
// tracing span above wraps every return path with one defer.
func (p *Processor) handle(ctx context.Context, codec FrontendCodec, pathModel string, body []byte, reqCtx RequestContext) (*Result, *StreamResult, error) {
	// Step 1: resolve session, acquire its lock for the life of this call.
	sess := p.Sessions.GetOrCreate(reqCtx.SessionID)
	sess.Lock()
	sess.LastActivity = p.now()

	// Step 2: frontend -> canonical translation.
	req, err := codec.ToCanonicalRequest(body, pathModel)
	if err != nil {
		sess.Unlock()
		return nil, nil, perror.InvalidRequest("bad_request", err.Error())
	}
	req.SessionID = sess.ID

	if sess.State.Agent == "" {
		sess.State.Agent = detectAgent(reqCtx.UserAgent)
	}

	// Step 3: command engine. First match wins; suppressForwarding
	// short-circuits the whole request.
	outcome := p.Commands.Run(req.Messages, sess.State)
	sess.State = outcome.NewState
	req.Messages = outcome.Messages

	if outcome.SuppressForward {
		reply := command.RenderReply(outcome.Reply, sess.State.Agent, codec.IsOpenAIProtocol())
		resp := canonical.Response{
			ID:      canonical.ProxyCommandResponseID,
			Model:   req.Model,
			Created: p.now().Unix(),
			Choices: []canonical.Choice{{Message: reply, FinishReason: canonical.FinishStop}},
		}
		sess.History = append(sess.History, session.Interaction{Handler: "proxy", Timestamp: p.now()})
		out := &Result{SessionID: sess.ID, Body: codec.FromCanonicalResponse(resp)}
		sess.Unlock()
		return out, nil, nil
	}

	// Step 4 (first pass): project-directory resolution on the session's
	// first turn, and per-backend/reasoning-mode config.
	if len(sess.History) == 0 && !sess.State.ProjectDirResolutionAttempted {
		sess.State.ProjectDirResolutionAttempted = true
		if sess.State.ProjectDir == "" {
			prompt := projectdir.LastUserText(req.Messages)
			if dir, ok := projectdir.Resolve(ctx, p.Dispatch, p.ProjectDirResolutionModel, prompt); ok {
				sess.State.ProjectDir = dir
			}
		}
	}
	applyOverrides(&req, sess.State)
	applyReasoningMode(&req, sess.State, p.ReasoningAliases)

	routes := dispatch.Routes{Session: sess.State.FailoverRoutes, Global: p.GlobalRoutes}

	maxRetries := p.MaxRecoveryRetries
	for attempt := 0; ; attempt++ {
		oneoff := sess.State.OneoffRoute
		sess.State.OneoffRoute = nil // a one-off route is consumed whether or not the call succeeds

		// Step 5: call the backend service.
		resp, stream, backendName, callErr := p.Dispatch.Call(ctx, req, routes, oneoff, true)
		if callErr != nil {
			sess.Unlock()
			return nil, nil, callErr
		}

		if stream != nil {
			// Streaming: the session lock is held for the stream's
			// duration, released by FrameIter.Close.
			fi := &streamFrames{
				ctx:     ctx,
				stream:  stream,
				pipe:    p.Middleware.NewStreamPipe(),
				codec:   codec,
				sess:    sess,
				backend: backendName,
				model:   req.Model,
				now:     p.now,
			}
			return nil, &StreamResult{SessionID: sess.ID, Frames: fi}, nil
		}

		// Step 6: non-streaming middleware chain, with empty-response
		// recovery looping back to step 4 up to MaxRecoveryRetries times.
		final, retry := p.Middleware.RunResponse(ctx, resp)
		if retry != nil {
			if attempt >= maxRetries {
				sess.Unlock()
				return nil, nil, perror.New(perror.KindEmptyResponse, retry.Reason, nil)
			}
			req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleUser, Text: retry.RecoveryPrompt})
			continue
		}

		// Step 7: canonical -> frontend translation, history, unlock.
		sess.History = append(sess.History, session.Interaction{
			Handler:   "backend",
			Backend:   backendName,
			Model:     final.Model,
			Tokens:    final.Usage.TotalTokens,
			Timestamp: p.now(),
		})
		out := &Result{SessionID: sess.ID, Body: codec.FromCanonicalResponse(*final)}
		sess.Unlock()
		return out, nil, nil
	}
}

// applyOverrides applies the session's set/unset overrideBackend and
// overrideModel onto the request's model, if any are set, per the !/set
// and !/unset command handlers' contract.
func applyOverrides(req *canonical.Request, s session.State) {
	if s.OverrideBackend != "" && s.OverrideModel != "" {
		req.Model = s.OverrideBackend + ":" + s.OverrideModel
		return
	}
	if s.OverrideModel != "" {
		req.Model = s.OverrideModel
	}
}

// applyReasoningMode resolves the session's active reasoning mode (set by
// !/max, !/medium, !/low, !/no-think) against the alias table and stamps
// the resulting sampling parameters onto the request.
func applyReasoningMode(req *canonical.Request, s session.State, aliases config.ReasoningAliases) {
	if s.ReasoningMode == "" {
		return
	}
	rm, ok := aliases.Lookup(req.Model, s.ReasoningMode)
	if !ok {
		return
	}
	if rm.ReasoningEffort != "" {
		req.ReasoningEffort = canonical.ReasoningEffort(rm.ReasoningEffort)
	}
	if rm.MaxReasoningTokens != nil {
		req.ThinkingBudget = rm.MaxReasoningTokens
	}
	if rm.Temperature != nil {
		req.Temperature = rm.Temperature
	}
	if rm.TopP != nil {
		req.TopP = rm.TopP
	}
	if rm.UserPromptPrefix != "" || rm.UserPromptSuffix != "" {
		wrapLastUserMessage(req.Messages, rm.UserPromptPrefix, rm.UserPromptSuffix)
	}
}

func wrapLastUserMessage(messages []canonical.Message, prefix, suffix string) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != canonical.RoleUser {
			continue
		}
		messages[i].Text = prefix + messages[i].Text + suffix
		return
	}
}

// detectAgent applies the heuristic spec.md §4.C names: a known agent's
// signature substring in its User-Agent header. Extend this table as more
// agents need tool_calls-shaped command replies.
func detectAgent(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "cline"):
		return "cline"
	case strings.Contains(ua, "roo-code"), strings.Contains(ua, "roocode"):
		return "roo-code"
	default:
		return ""
	}
}

// streamFrames adapts a backend canonical.StreamIter, piped through the
// middleware chain and the frontend codec, into the FrameIter the caller
// drains. It owns releasing the session lock on Close.
type streamFrames struct {
	ctx     context.Context
	stream  canonical.StreamIter
	pipe    interface {
		Push(ctx context.Context, chunk canonical.StreamChunk) ([]canonical.StreamChunk, bool)
	}
	codec   FrontendCodec
	sess    *session.Session
	backend string
	model   string
	now     func() time.Time

	closed      bool
	lastUsage   *canonical.Usage
	historyDone bool
}

// Next pulls one upstream chunk, runs it through the middleware chain, and
// renders the resulting canonical chunks (zero or more, a middleware may
// coalesce or split) into their wire frames. It returns the upstream
// stream's error (io.EOF once exhausted), or errStreamTerminated together
// with the last frames when a middleware terminated it (e.g. loop detection).
func (f *streamFrames) Next() ([]SSEFrame, error) {
	chunk, err := f.stream.Next()
	if err != nil {
		f.recordHistory()
		return nil, err
	}
	if chunk.Usage != nil {
		f.lastUsage = chunk.Usage
	}

	emitted, terminate := f.pipe.Push(f.ctx, chunk)

	var frames []SSEFrame
	for _, c := range emitted {
		frames = append(frames, f.codec.FromCanonicalChunk(c)...)
	}
	if terminate {
		f.recordHistory()
		return frames, errStreamTerminated
	}
	return frames, nil
}

// errStreamTerminated is returned instead of io.EOF when a middleware
// (e.g. loop detection) ends the stream early rather than upstream
// exhausting it naturally; callers treat both identically as "no more
// frames", distinguished only for diagnostics.
var errStreamTerminated = streamTerminatedError{}

type streamTerminatedError struct{}

func (streamTerminatedError) Error() string { return "stream terminated by middleware" }

func (f *streamFrames) recordHistory() {
	if f.historyDone {
		return
	}
	f.historyDone = true
	tokens := 0
	if f.lastUsage != nil {
		tokens = f.lastUsage.TotalTokens
	}
	f.sess.History = append(f.sess.History, session.Interaction{
		Handler:   "backend",
		Backend:   f.backend,
		Model:     f.model,
		Tokens:    tokens,
		Timestamp: f.now(),
	})
}

// Close releases the upstream stream and the session lock. Safe to call
// more than once.
func (f *streamFrames) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.recordHistory()
	err := f.stream.Close()
	f.sess.Unlock()
	return err
}
