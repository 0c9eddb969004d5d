// Package openai translates between the canonical request/response model
// and the OpenAI Chat Completions wire format (spec §4.B). The mapping
// functions serve both directions the protocol appears in this proxy: a
// client speaking OpenAI's wire format to the frontend (ToCanonicalRequest/
// FromCanonicalResponse/FromCanonicalChunk), and an upstream
// OpenAI-compatible backend (OpenAI itself, OpenRouter, Qwen-OAuth)
// speaking it to a connector (FromCanonicalRequest/ToCanonicalResponse/
// StreamAccumulator). Grounded on pkg/provider/types/message.go's
// Message/Prompt shapes and pkg/providers/openai/language_model.go's
// buildRequestBody/convertResponse.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    interface{}    `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

// finishReasonToWire / finishReasonFromWire map the canonical finish-reason
// enum onto OpenAI's four string values.
func finishReasonToWire(f canonical.FinishReason) string {
	switch f {
	case canonical.FinishToolCalls:
		return "tool_calls"
	case canonical.FinishLength:
		return "length"
	case canonical.FinishContent:
		return "content_filter"
	default:
		return "stop"
	}
}

func finishReasonFromWire(s string) canonical.FinishReason {
	switch s {
	case "tool_calls":
		return canonical.FinishToolCalls
	case "length":
		return canonical.FinishLength
	case "content_filter":
		return canonical.FinishContent
	default:
		return canonical.FinishStop
	}
}

func messageToWire(m canonical.Message) wireMessage {
	out := wireMessage{Role: string(m.Role), Name: m.Name, ToolCallID: m.ToolCallID}
	if m.Text != "" || len(m.Parts) == 0 {
		out.Content = m.Text
	} else {
		out.Content = partsToWireContent(m.Parts)
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireFunction{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

func partsToWireContent(parts []canonical.Part) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case canonical.TextPart:
			out = append(out, map[string]interface{}{"type": "text", "text": v.Text})
		case canonical.ImageURLPart:
			img := map[string]interface{}{"url": v.URL}
			if v.Detail != "" {
				img["detail"] = v.Detail
			}
			out = append(out, map[string]interface{}{"type": "image_url", "image_url": img})
		}
	}
	return out
}

func messageFromWire(w wireMessage) canonical.Message {
	out := canonical.Message{Role: canonical.Role(w.Role), Name: w.Name, ToolCallID: w.ToolCallID}
	if s, ok := w.Content.(string); ok {
		out.Text = s
	}
	for _, tc := range w.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, canonical.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

type wireRequest struct {
	Model            string         `json:"model"`
	Messages         []wireMessage  `json:"messages"`
	Stream           bool           `json:"stream"`
	Temperature      *float64       `json:"temperature"`
	TopP             *float64       `json:"top_p"`
	MaxTokens        *int           `json:"max_tokens"`
	Stop             []string       `json:"stop"`
	PresencePenalty  *float64       `json:"presence_penalty"`
	FrequencyPenalty *float64       `json:"frequency_penalty"`
	Seed             *int64         `json:"seed"`
	User             string         `json:"user"`
	LogitBias        map[string]int `json:"logit_bias"`
	ReasoningEffort  string         `json:"reasoning_effort"`
	Tools            []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string                 `json:"name"`
			Description string                 `json:"description"`
			Parameters  map[string]interface{} `json:"parameters"`
		} `json:"function"`
	} `json:"tools"`
	ToolChoice     json.RawMessage        `json:"tool_choice"`
	ResponseFormat map[string]interface{} `json:"response_format"`
}

// ToCanonicalRequest parses an inbound OpenAI Chat Completions request body
// into the canonical shape, the mirror of FromCanonicalRequest used when
// this protocol is the frontend rather than a backend's wire format.
func ToCanonicalRequest(body []byte) (canonical.Request, error) {
	var w wireRequest
	if err := json.Unmarshal(body, &w); err != nil {
		return canonical.Request{}, fmt.Errorf("translate/openai: decode request: %w", err)
	}

	req := canonical.Request{
		Model:            w.Model,
		Stream:           w.Stream,
		Temperature:      w.Temperature,
		TopP:             w.TopP,
		MaxTokens:        w.MaxTokens,
		Stop:             w.Stop,
		PresencePenalty:  w.PresencePenalty,
		FrequencyPenalty: w.FrequencyPenalty,
		Seed:             w.Seed,
		User:             w.User,
		LogitBias:        w.LogitBias,
		ReasoningEffort:  canonical.ReasoningEffort(w.ReasoningEffort),
	}
	if len(w.ResponseFormat) > 0 {
		req.ExtraBody = map[string]interface{}{"response_format": w.ResponseFormat}
	}
	for _, m := range w.Messages {
		req.Messages = append(req.Messages, messageFromWire(m))
	}
	for _, t := range w.Tools {
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if len(w.ToolChoice) > 0 {
		var s string
		if err := json.Unmarshal(w.ToolChoice, &s); err == nil {
			switch s {
			case "none":
				req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}
			case "auto":
				req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
			}
		} else {
			var obj struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			}
			if err := json.Unmarshal(w.ToolChoice, &obj); err == nil {
				req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: obj.Function.Name}
			}
		}
	}
	return req, nil
}

// FromCanonicalRequest builds an OpenAI Chat Completions request body from
// a canonical.Request.
func FromCanonicalRequest(req canonical.Request) map[string]interface{} {
	messages := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = messageToWire(m)
	}

	body := map[string]interface{}{
		"model":    req.Model,
		"messages": messages,
		"stream":   req.Stream,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}
	if req.PresencePenalty != nil {
		body["presence_penalty"] = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		body["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.Seed != nil {
		body["seed"] = *req.Seed
	}
	if req.User != "" {
		body["user"] = req.User
	}
	if len(req.LogitBias) > 0 {
		body["logit_bias"] = req.LogitBias
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		body["tools"] = tools
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case canonical.ToolChoiceNone, canonical.ToolChoiceAuto:
			body["tool_choice"] = string(req.ToolChoice.Mode)
		case canonical.ToolChoiceFunction:
			body["tool_choice"] = map[string]interface{}{
				"type":     "function",
				"function": map[string]interface{}{"name": req.ToolChoice.FunctionName},
			}
		}
	}
	if req.ReasoningEffort != "" {
		body["reasoning_effort"] = string(req.ReasoningEffort)
	}
	for k, v := range req.ExtraBody {
		body[k] = v
	}
	return body
}

// ToCanonicalResponse parses an OpenAI Chat Completions response body.
func ToCanonicalResponse(body []byte) (*canonical.Response, error) {
	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("translate/openai: decode response: %w", err)
	}

	resp := &canonical.Response{
		ID:      w.ID,
		Model:   w.Model,
		Created: w.Created,
		Object:  w.Object,
		Usage: canonical.Usage{
			PromptTokens:     w.Usage.PromptTokens,
			CompletionTokens: w.Usage.CompletionTokens,
			TotalTokens:      w.Usage.TotalTokens,
		},
	}
	for _, c := range w.Choices {
		resp.Choices = append(resp.Choices, canonical.Choice{
			Index:        c.Index,
			Message:      messageFromWire(c.Message),
			FinishReason: finishReasonFromWire(c.FinishReason),
		})
	}
	return resp, nil
}

// FromCanonicalResponse renders a canonical.Response as an OpenAI Chat
// Completions response body, the mirror of ToCanonicalResponse used when
// this protocol is the frontend rather than a backend's wire format.
func FromCanonicalResponse(resp canonical.Response) map[string]interface{} {
	choices := make([]wireChoice, len(resp.Choices))
	for i, c := range resp.Choices {
		choices[i] = wireChoice{
			Index:        c.Index,
			Message:      messageToWire(c.Message),
			FinishReason: finishReasonToWire(c.FinishReason),
		}
	}
	object := resp.Object
	if object == "" {
		object = "chat.completion"
	}
	return map[string]interface{}{
		"id":      resp.ID,
		"object":  object,
		"created": resp.Created,
		"model":   resp.Model,
		"choices": choices,
		"usage": wireUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// FromCanonicalChunk renders a canonical.StreamChunk as an OpenAI Chat
// Completions stream chunk body (the payload of one `data:` SSE line),
// the mirror of StreamAccumulator.ToCanonicalChunk used when this protocol
// is the frontend.
func FromCanonicalChunk(chunk canonical.StreamChunk) map[string]interface{} {
	choices := make([]map[string]interface{}, len(chunk.Choices))
	for i, c := range chunk.Choices {
		delta := map[string]interface{}{}
		if c.Role != "" {
			delta["role"] = string(c.Role)
		}
		if c.Content != "" {
			delta["content"] = c.Content
		}
		if len(c.ToolCalls) > 0 {
			tcs := make([]map[string]interface{}, len(c.ToolCalls))
			for j, tc := range c.ToolCalls {
				tcs[j] = map[string]interface{}{
					"index": tc.Index,
					"id":    tc.ID,
					"type":  "function",
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": tc.ArgumentsFrag,
					},
				}
			}
			delta["tool_calls"] = tcs
		}
		entry := map[string]interface{}{"index": c.Index, "delta": delta}
		if c.FinishReason != nil {
			entry["finish_reason"] = finishReasonToWire(*c.FinishReason)
		} else {
			entry["finish_reason"] = nil
		}
		choices[i] = entry
	}
	out := map[string]interface{}{
		"id":      chunk.ID,
		"object":  "chat.completion.chunk",
		"created": chunk.Created,
		"model":   chunk.Model,
		"choices": choices,
	}
	if chunk.Usage != nil {
		out["usage"] = wireUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return out
}

// StreamAccumulator tracks per-choice-index in-progress tool calls across a
// sequence of Chat Completions stream chunks, since OpenAI fragments a
// single tool call's id/name/arguments across multiple deltas identified
// only by index. The teacher's openAIStream.Next left this unimplemented
// (a bare "// TODO: Handle streaming tool calls"); this type closes that
// gap.
type StreamAccumulator struct {
	calls map[int][]accCall
}

type accCall struct {
	id, name string
	args     string
}

// NewStreamAccumulator builds an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{calls: map[int][]accCall{}}
}

type wireStreamDelta struct {
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	ToolCalls []struct {
		Index    int    `json:"index"`
		ID       string `json:"id,omitempty"`
		Function struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

type wireStreamChoice struct {
	Index        int             `json:"index"`
	Delta        wireStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type wireStreamChunk struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Created int64              `json:"created"`
	Choices []wireStreamChoice `json:"choices"`
	Usage   *wireUsage         `json:"usage"`
}

// ToCanonicalChunk parses one Chat Completions stream event's JSON data
// payload into a canonical.StreamChunk, accumulating tool-call fragments
// in a so that the emitted ToolCallDelta carries the running Name/ID once
// known (arguments still stream as fragments, per spec's StreamChunk
// contract).
func (a *StreamAccumulator) ToCanonicalChunk(data []byte) (canonical.StreamChunk, error) {
	var w wireStreamChunk
	if err := json.Unmarshal(data, &w); err != nil {
		return canonical.StreamChunk{}, fmt.Errorf("translate/openai: decode stream chunk: %w", err)
	}

	out := canonical.StreamChunk{ID: w.ID, Model: w.Model, Created: w.Created}
	if w.Usage != nil {
		out.Usage = &canonical.Usage{
			PromptTokens:     w.Usage.PromptTokens,
			CompletionTokens: w.Usage.CompletionTokens,
			TotalTokens:      w.Usage.TotalTokens,
		}
	}

	for _, c := range w.Choices {
		delta := canonical.ChoiceDelta{Index: c.Index, Content: c.Delta.Content}
		if c.Delta.Role != "" {
			delta.Role = canonical.Role(c.Delta.Role)
		}
		for _, tc := range c.Delta.ToolCalls {
			entries := a.calls[c.Index]
			for len(entries) <= tc.Index {
				entries = append(entries, accCall{})
			}
			if tc.ID != "" {
				entries[tc.Index].id = tc.ID
			}
			if tc.Function.Name != "" {
				entries[tc.Index].name = tc.Function.Name
			}
			entries[tc.Index].args += tc.Function.Arguments
			a.calls[c.Index] = entries

			delta.ToolCalls = append(delta.ToolCalls, canonical.ToolCallDelta{
				Index:         tc.Index,
				ID:            entries[tc.Index].id,
				Name:          entries[tc.Index].name,
				ArgumentsFrag: tc.Function.Arguments,
			})
		}
		if c.FinishReason != nil {
			fr := finishReasonFromWire(*c.FinishReason)
			delta.FinishReason = &fr
		}
		out.Choices = append(out.Choices, delta)
	}
	return out, nil
}
