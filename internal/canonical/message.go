// Package canonical defines the protocol-agnostic request, response and
// stream-chunk shapes that every frontend and backend translator maps
// through. Types here are plain data: equality, validation and
// deep-copy-on-write, nothing else.
package canonical

import "encoding/json"

// Role identifies the sender of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is a tagged variant of message content. Exactly one concrete type
// implements it per content item; translators switch on PartType().
type Part interface {
	PartType() string
}

// TextPart is plain text content.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) PartType() string { return "text" }

// ImageURLPart references a remote or data-URI image. The translators
// pass the URL through unchanged; no scheme check is applied, so a URL of
// any scheme reaches the backend.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (ImageURLPart) PartType() string { return "image_url" }

// InlineDataPart carries base64-encoded bytes with a MIME type, the Gemini
// "inlineData" shape.
type InlineDataPart struct {
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
}

func (InlineDataPart) PartType() string { return "inline_data" }

// FunctionCallPart is an assistant-issued tool call. ArgsJSON is always a
// JSON string, even when an upstream delivered a native object — the
// normalisation happens once, at translation time.
type FunctionCallPart struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	ArgsJSON string          `json:"argsJson"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

func (FunctionCallPart) PartType() string { return "function_call" }

// FunctionResponsePart is a tool-role message's payload, referencing the
// FunctionCallPart.ID (or provider-native call id) it answers.
type FunctionResponsePart struct {
	Name       string          `json:"name"`
	ToolCallID string          `json:"toolCallId"`
	Payload    json.RawMessage `json:"payload"`
}

func (FunctionResponsePart) PartType() string { return "function_response" }

// ToolCall is the assistant-message-level view of a function call, used by
// Message.ToolCalls (one entry per call, independent of how the content was
// originally shaped by the upstream).
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"` // always a JSON string
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Message is one turn in a canonical conversation. Content may be a single
// text blob (Text) or an ordered list of Parts; exactly one of Text/Parts
// is populated for any given message at translation boundaries, but both
// fields exist so a translator can choose whichever shape its wire format
// favours.
type Message struct {
	Role       Role       `json:"role"`
	Text       string     `json:"text,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

// HasContent reports whether the message carries any content, tool call or
// tool-call reference — the minimum a valid Message must have.
func (m Message) HasContent() bool {
	return m.Text != "" || len(m.Parts) > 0 || len(m.ToolCalls) > 0 || m.ToolCallID != ""
}

// Clone returns a deep copy suitable for copy-on-write mutation (e.g. the
// command engine stripping matched text without aliasing the caller's
// slice).
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = append([]Part(nil), m.Parts...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}
