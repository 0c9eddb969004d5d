// Package anthropic translates between the canonical request/response
// model and the Anthropic Messages wire format (spec §4.B, §4.E). Serves
// both a frontend speaking Anthropic's wire format to clients and the
// Anthropic backend connector. Grounded on pkg/providers/anthropic/
// language_model.go's buildRequestBody/convertResponse, trimmed to the
// fields spec.md actually names (no thinking/container/MCP-server beta
// fields — those are teacher-specific surface spec.md never asks for).
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

// DefaultMaxTokens is Anthropic's required max_tokens, defaulted when the
// caller omits it (spec §4.E).
const DefaultMaxTokens = 1024

type wireContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *wireImgSource  `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireImgSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireMessage struct {
	Role    string             `json:"role"`
	Content []wireContentBlock `json:"content"`
}

type wireTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Role       string             `json:"role"`
	Content    []wireContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      wireUsage          `json:"usage"`
}

// ToCanonicalRequest parses an Anthropic Messages request body (spec's
// "Anthropic→canonical" mapping): lifts top-level system to a leading
// system Message, and maps content blocks to canonical Parts.
func ToCanonicalRequest(body []byte) (canonical.Request, error) {
	var w struct {
		Model       string             `json:"model"`
		System      interface{}        `json:"system"`
		Messages    []wireMessage      `json:"messages"`
		MaxTokens   *int               `json:"max_tokens"`
		Temperature *float64           `json:"temperature"`
		TopP        *float64           `json:"top_p"`
		TopK        *int               `json:"top_k"`
		Stream      bool               `json:"stream"`
		Stop        []string           `json:"stop_sequences"`
		Tools       []wireTool         `json:"tools"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return canonical.Request{}, fmt.Errorf("translate/anthropic: decode request: %w", err)
	}

	var messages []canonical.Message
	if sysText, ok := w.System.(string); ok && sysText != "" {
		messages = append(messages, canonical.Message{Role: canonical.RoleSystem, Text: sysText})
	}
	for _, m := range w.Messages {
		messages = append(messages, messageFromWire(m))
	}

	req := canonical.Request{
		Model:       w.Model,
		Messages:    messages,
		MaxTokens:   w.MaxTokens,
		Temperature: w.Temperature,
		TopP:        w.TopP,
		TopK:        w.TopK,
		Stream:      w.Stream,
		Stop:        w.Stop,
	}
	for _, t := range w.Tools {
		req.Tools = append(req.Tools, canonical.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return req, nil
}

func messageFromWire(m wireMessage) canonical.Message {
	out := canonical.Message{Role: canonical.Role(m.Role)}
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			out.Parts = append(out.Parts, canonical.TextPart{Text: b.Text})
		case "image":
			if b.Source != nil {
				url := b.Source.URL
				if b.Source.Type == "base64" {
					url = "data:" + b.Source.MediaType + ";base64," + b.Source.Data
				}
				out.Parts = append(out.Parts, canonical.ImageURLPart{URL: url})
			}
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, canonical.ToolCall{ID: b.ID, Name: b.Name, Arguments: string(b.Input)})
		case "tool_result":
			out.ToolCallID = b.ToolUseID
			out.Text = b.Content
		}
	}
	if len(out.Parts) == 1 {
		if tp, ok := out.Parts[0].(canonical.TextPart); ok {
			out.Text = tp.Text
			out.Parts = nil
		}
	}
	return out
}

// FromCanonicalRequest builds an Anthropic Messages request body: lifts a
// leading system Message to the top-level `system` field, defaults
// max_tokens to DefaultMaxTokens, and merges metadata with caller-supplied
// extra_body.metadata winning per key (spec §4.E).
func FromCanonicalRequest(req canonical.Request, baseMetadata map[string]interface{}) map[string]interface{} {
	messages := req.Messages
	var system string
	if len(messages) > 0 && messages[0].Role == canonical.RoleSystem {
		system = messages[0].Text
		messages = messages[1:]
	}

	wireMsgs := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wireMsgs = append(wireMsgs, messageToWire(m))
	}

	maxTokens := DefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body := map[string]interface{}{
		"model":      req.Model,
		"messages":   wireMsgs,
		"max_tokens": maxTokens,
		"stream":     req.Stream,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil && req.Temperature == nil {
		body["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		body["top_k"] = *req.TopK
	}
	if len(req.Stop) > 0 {
		body["stop_sequences"] = req.Stop
	}
	if len(req.Tools) > 0 {
		tools := make([]wireTool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = wireTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters}
		}
		body["tools"] = tools
	}

	metadata := map[string]interface{}{}
	for k, v := range baseMetadata {
		metadata[k] = v
	}
	if extra, ok := req.ExtraBody["metadata"].(map[string]interface{}); ok {
		for k, v := range extra {
			metadata[k] = v // caller wins per key
		}
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	return body
}

func messageToWire(m canonical.Message) wireMessage {
	out := wireMessage{Role: string(m.Role)}
	if out.Role == "" {
		out.Role = string(canonical.RoleUser)
	}
	if m.ToolCallID != "" {
		out.Content = append(out.Content, wireContentBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Text})
		return out
	}
	if m.Text != "" {
		out.Content = append(out.Content, wireContentBlock{Type: "text", Text: m.Text})
	}
	for _, p := range m.Parts {
		switch v := p.(type) {
		case canonical.TextPart:
			out.Content = append(out.Content, wireContentBlock{Type: "text", Text: v.Text})
		case canonical.ImageURLPart:
			out.Content = append(out.Content, wireContentBlock{Type: "image", Source: &wireImgSource{Type: "url", URL: v.URL}})
		}
	}
	for _, tc := range m.ToolCalls {
		out.Content = append(out.Content, wireContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: json.RawMessage(tc.Arguments)})
	}
	return out
}

func finishReasonFromWire(s string) canonical.FinishReason {
	switch s {
	case "max_tokens":
		return canonical.FinishLength
	case "tool_use":
		return canonical.FinishToolCalls
	default:
		return canonical.FinishStop
	}
}

// FinishReasonToWire maps canonical finish reasons onto Anthropic's
// stop_reason values (spec's "Anthropic←canonical" mapping).
func FinishReasonToWire(f canonical.FinishReason) string {
	switch f {
	case canonical.FinishLength:
		return "max_tokens"
	case canonical.FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ToCanonicalResponse parses an Anthropic Messages response body.
func ToCanonicalResponse(body []byte) (*canonical.Response, error) {
	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("translate/anthropic: decode response: %w", err)
	}

	msg := canonical.Message{Role: canonical.RoleAssistant}
	for _, c := range w.Content {
		switch c.Type {
		case "text":
			msg.Text += c.Text
		case "tool_use", "mcp_tool_use":
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{ID: c.ID, Name: c.Name, Arguments: string(c.Input)})
		}
	}

	return &canonical.Response{
		ID:    w.ID,
		Model: w.Model,
		Choices: []canonical.Choice{{
			Message:      msg,
			FinishReason: finishReasonFromWire(w.StopReason),
		}},
		Usage: canonical.Usage{
			PromptTokens:     w.Usage.InputTokens,
			CompletionTokens: w.Usage.OutputTokens,
			TotalTokens:      w.Usage.InputTokens + w.Usage.OutputTokens,
		},
	}, nil
}

// FromCanonicalResponse renders a canonical.Response as an Anthropic
// Messages response body, choosing the first choice and collapsing
// textual content into one {type:text} block followed by any tool_use
// blocks (spec's "Anthropic←canonical" mapping).
func FromCanonicalResponse(resp canonical.Response) map[string]interface{} {
	var content []wireContentBlock
	stopReason := "end_turn"
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		if c.Message.Text != "" {
			content = append(content, wireContentBlock{Type: "text", Text: c.Message.Text})
		}
		for _, tc := range c.Message.ToolCalls {
			content = append(content, wireContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: json.RawMessage(tc.Arguments)})
		}
		stopReason = FinishReasonToWire(c.FinishReason)
	}

	return map[string]interface{}{
		"id":      resp.ID,
		"type":    "message",
		"role":    "assistant",
		"model":   resp.Model,
		"content": content,
		"stop_reason": stopReason,
		"usage": map[string]interface{}{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	}
}

// StreamEventToChunk parses one Anthropic streaming SSE event's JSON data
// into a canonical.StreamChunk, switching on Anthropic's named event types
// (content_block_delta, message_delta, message_stop) rather than OpenAI's
// uniform per-event chunk shape.
func StreamEventToChunk(eventType string, data []byte) (canonical.StreamChunk, bool, error) {
	switch eventType {
	case "content_block_delta":
		var ev struct {
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
			Index int `json:"index"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return canonical.StreamChunk{}, false, err
		}
		delta := canonical.ChoiceDelta{Index: ev.Index}
		switch ev.Delta.Type {
		case "text_delta":
			delta.Content = ev.Delta.Text
		case "input_json_delta":
			delta.ToolCalls = []canonical.ToolCallDelta{{Index: ev.Index, ArgumentsFrag: ev.Delta.PartialJSON}}
		default:
			return canonical.StreamChunk{}, false, nil
		}
		return canonical.StreamChunk{Choices: []canonical.ChoiceDelta{delta}}, true, nil
	case "message_delta":
		var ev struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage wireUsage `json:"usage"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return canonical.StreamChunk{}, false, err
		}
		fr := finishReasonFromWire(ev.Delta.StopReason)
		return canonical.StreamChunk{
			Choices: []canonical.ChoiceDelta{{FinishReason: &fr}},
			Usage:   &canonical.Usage{CompletionTokens: ev.Usage.OutputTokens},
		}, true, nil
	case "message_stop":
		return canonical.StreamChunk{Done: true}, true, nil
	default:
		return canonical.StreamChunk{}, false, nil
	}
}

// WireEvent is one named Anthropic SSE event (event type + JSON data), the
// unit ChunkToWireEvents renders and the frontend writes as `event: <Type>`
// / `data: <json>` lines.
type WireEvent struct {
	Type string
	Data map[string]interface{}
}

// ChunkToWireEvents renders a canonical.StreamChunk as the Anthropic named
// SSE events it corresponds to, the mirror of StreamEventToChunk used when
// Anthropic is the frontend protocol rather than a backend's wire format.
// Simplified relative to the real Messages API (one content block per
// choice, no separate content_block_start/stop bracketing) since spec
// only requires round-tripping the canonical chunk fields faithfully, not
// byte-identical framing.
func ChunkToWireEvents(chunk canonical.StreamChunk) []WireEvent {
	var events []WireEvent
	for _, d := range chunk.Choices {
		if d.Content != "" {
			events = append(events, WireEvent{
				Type: "content_block_delta",
				Data: map[string]interface{}{
					"type":  "content_block_delta",
					"index": d.Index,
					"delta": map[string]interface{}{"type": "text_delta", "text": d.Content},
				},
			})
		}
		for _, tc := range d.ToolCalls {
			events = append(events, WireEvent{
				Type: "content_block_delta",
				Data: map[string]interface{}{
					"type":  "content_block_delta",
					"index": d.Index,
					"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": tc.ArgumentsFrag},
				},
			})
		}
		if d.FinishReason != nil {
			events = append(events, WireEvent{
				Type: "message_delta",
				Data: map[string]interface{}{
					"type":  "message_delta",
					"delta": map[string]interface{}{"stop_reason": FinishReasonToWire(*d.FinishReason)},
					"usage": map[string]interface{}{"output_tokens": usageOutputTokens(chunk)},
				},
			})
		}
	}
	if chunk.Done {
		events = append(events, WireEvent{Type: "message_stop", Data: map[string]interface{}{"type": "message_stop"}})
	}
	return events
}

func usageOutputTokens(chunk canonical.StreamChunk) int {
	if chunk.Usage == nil {
		return 0
	}
	return chunk.Usage.CompletionTokens
}
