// Package respmw implements the ordered, composable response-middleware
// chain (spec §4.G): redaction, JSON repair, tool-call extraction, loop
// detection, empty-response retry. Structurally generalised from the
// teacher's pkg/middleware.LanguageModelMiddleware wrapping chain — there a
// middleware wraps a single LanguageModel's DoGenerate/DoStream; here a
// middleware runs over a canonical.Response or canonical.StreamChunk
// pipeline, with the same "apply in order, last one closest to the
// source" composition.
package respmw

import (
	"context"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

// RetryError signals that the request processor should re-dispatch the
// original request with a recovery message appended, instead of returning
// the current response to the caller. It is a result value, never a
// panic — the processor is the only place that branches on it, per spec's
// design note on avoiding exceptions-for-control-flow.
type RetryError struct {
	Reason         string
	RecoveryPrompt string
}

func (e *RetryError) Error() string { return "retry: " + e.Reason }

// Middleware is the uniform shape every response-pipeline stage
// implements, for both non-streaming and streaming responses.
type Middleware interface {
	Name() string

	// OnResponse transforms (or fails) a completed non-streaming response.
	OnResponse(ctx context.Context, resp *canonical.Response) (*canonical.Response, *RetryError)

	// OnStreamChunk observes one upstream chunk and emits zero or more
	// canonical chunks. state is this middleware's own opaque
	// accumulator, threaded back in on the next call; terminate signals
	// the pipeline should stop pulling further chunks from upstream.
	OnStreamChunk(ctx context.Context, chunk canonical.StreamChunk, state any) (emit []canonical.StreamChunk, newState any, terminate bool)
}

// Chain runs an ordered list of Middleware. Order is significant: spec
// lists redaction before JSON repair before tool-call extraction before
// loop detection before empty-response retry, and Chain preserves
// whatever order it is built with.
type Chain struct {
	stages []Middleware
}

// NewChain builds a Chain running stages in the given order.
func NewChain(stages ...Middleware) *Chain {
	return &Chain{stages: stages}
}

// RunResponse threads resp through every stage's OnResponse in order,
// short-circuiting on the first RetryError.
func (c *Chain) RunResponse(ctx context.Context, resp *canonical.Response) (*canonical.Response, *RetryError) {
	cur := resp
	for _, stage := range c.stages {
		var retry *RetryError
		cur, retry = stage.OnResponse(ctx, cur)
		if retry != nil {
			return nil, retry
		}
	}
	return cur, nil
}

// chunkPipe runs one upstream chunk through every stage's OnStreamChunk,
// feeding stage i's emitted chunks into stage i+1, and returns the final
// emitted chunks plus whether any stage asked to terminate the stream.
type chunkPipe struct {
	stages []Middleware
	states []any
}

// NewStreamPipe prepares per-stage state for one stream's lifetime. A
// fresh pipe must be created per stream — per-choice-index accumulators
// (e.g. a tool-call in progress) live in each stage's own state, never in
// the Chain itself, so concurrent streams never share state.
func (c *Chain) NewStreamPipe() *chunkPipe {
	return &chunkPipe{stages: c.stages, states: make([]any, len(c.stages))}
}

// Push feeds one upstream chunk through the pipe and returns the final
// list of chunks to emit to the caller, plus whether the stream should
// terminate (a middleware, e.g. loop detection, decided enough is enough).
func (p *chunkPipe) Push(ctx context.Context, chunk canonical.StreamChunk) ([]canonical.StreamChunk, bool) {
	cur := []canonical.StreamChunk{chunk}
	for i, stage := range p.stages {
		var next []canonical.StreamChunk
		terminate := false
		for _, c := range cur {
			emitted, newState, term := stage.OnStreamChunk(ctx, c, p.states[i])
			p.states[i] = newState
			next = append(next, emitted...)
			if term {
				terminate = true
			}
		}
		cur = next
		if terminate {
			return cur, true
		}
	}
	return cur, false
}
