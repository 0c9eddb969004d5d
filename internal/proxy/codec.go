// Package proxy implements the request processor (spec §4.H): the
// orchestrator that ties session resolution, frontend/backend
// translation, the command engine, the dispatch service and the response
// middleware chain into the single sequence every inbound call runs
// through. Grounded on the teacher's pkg/ai composition idiom (wrap model
// -> apply middleware chain -> call), generalised from wrapping one
// LanguageModel to driving the full session/command/dispatch/middleware
// sequence.
package proxy

import (
	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/translate/anthropic"
	"github.com/relaymesh/llmproxy/internal/translate/gemini"
	"github.com/relaymesh/llmproxy/internal/translate/openai"
)

// SSEFrame is one event of an outbound text/event-stream response. Event
// is empty for protocols that frame every chunk as a bare "data: ..."
// line (OpenAI, Gemini); Anthropic's codec emits several named events per
// canonical chunk.
type SSEFrame struct {
	Event string
	Data  interface{}
}

// FrontendCodec translates between one wire protocol and the canonical
// model, in the direction a request processor needs: wire request in,
// canonical response/chunks out.
type FrontendCodec interface {
	Name() string

	// ToCanonicalRequest parses an inbound request body. pathModel is the
	// model named in the URL path, if the protocol carries it there
	// (Gemini's "/models/{model}:generateContent") rather than in the body.
	ToCanonicalRequest(body []byte, pathModel string) (canonical.Request, error)

	FromCanonicalResponse(resp canonical.Response) map[string]interface{}

	// FromCanonicalChunk renders one canonical stream chunk as the SSE
	// frame(s) this protocol emits for it.
	FromCanonicalChunk(chunk canonical.StreamChunk) []SSEFrame

	// IsOpenAIProtocol reports whether this codec speaks the OpenAI
	// chat-completions wire shape, the one case command.RenderReply needs
	// to distinguish to decide between a plain-text and tool_calls reply.
	IsOpenAIProtocol() bool
}

type openaiCodec struct{}

// OpenAI is the FrontendCodec for the OpenAI chat-completions wire shape,
// also used for the Responses API's response_format passthrough variant
// (see SPEC_FULL.md's note that /v1/responses is a thin variant of the
// same request/response shape).
var OpenAI FrontendCodec = openaiCodec{}

func (openaiCodec) Name() string { return "openai" }

func (openaiCodec) ToCanonicalRequest(body []byte, _ string) (canonical.Request, error) {
	return openai.ToCanonicalRequest(body)
}

func (openaiCodec) FromCanonicalResponse(resp canonical.Response) map[string]interface{} {
	return openai.FromCanonicalResponse(resp)
}

func (openaiCodec) FromCanonicalChunk(chunk canonical.StreamChunk) []SSEFrame {
	return []SSEFrame{{Data: openai.FromCanonicalChunk(chunk)}}
}

func (openaiCodec) IsOpenAIProtocol() bool { return true }

type anthropicCodec struct{}

// Anthropic is the FrontendCodec for the Anthropic Messages wire shape.
var Anthropic FrontendCodec = anthropicCodec{}

func (anthropicCodec) Name() string { return "anthropic" }

func (anthropicCodec) ToCanonicalRequest(body []byte, _ string) (canonical.Request, error) {
	return anthropic.ToCanonicalRequest(body)
}

func (anthropicCodec) FromCanonicalResponse(resp canonical.Response) map[string]interface{} {
	return anthropic.FromCanonicalResponse(resp)
}

func (anthropicCodec) FromCanonicalChunk(chunk canonical.StreamChunk) []SSEFrame {
	events := anthropic.ChunkToWireEvents(chunk)
	frames := make([]SSEFrame, len(events))
	for i, ev := range events {
		frames[i] = SSEFrame{Event: ev.Type, Data: ev.Data}
	}
	return frames
}

func (anthropicCodec) IsOpenAIProtocol() bool { return false }

type geminiCodec struct{}

// Gemini is the FrontendCodec for the Gemini generateContent/
// streamGenerateContent wire shape.
var Gemini FrontendCodec = geminiCodec{}

func (geminiCodec) Name() string { return "gemini" }

func (geminiCodec) ToCanonicalRequest(body []byte, pathModel string) (canonical.Request, error) {
	return gemini.ToCanonicalRequest(pathModel, body)
}

func (geminiCodec) FromCanonicalResponse(resp canonical.Response) map[string]interface{} {
	return gemini.FromCanonicalResponse(resp)
}

func (geminiCodec) FromCanonicalChunk(chunk canonical.StreamChunk) []SSEFrame {
	return []SSEFrame{{Data: gemini.FromCanonicalChunk(chunk)}}
}

func (geminiCodec) IsOpenAIProtocol() bool { return false }
