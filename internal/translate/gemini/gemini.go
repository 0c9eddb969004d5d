// Package gemini translates between the canonical request/response model
// and the Gemini GenerateContent wire format (spec §4.B, §4.E). Serves
// both the Gemini GenerateContent/StreamGenerateContent frontend and the
// Gemini (API-key), Gemini-OAuth and Gemini Code-Assist backend
// connectors, which all share this wire shape. Grounded on
// pkg/providers/google/language_model.go's buildRequestBody/
// convertResponse/googleStream, extended with the functionCall/
// functionResponse, systemInstruction, toolConfig and thinkingConfig
// mappings spec.md names that the teacher's Google provider doesn't
// implement.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/translate/toolschema"
)

type wirePart struct {
	Text         string            `json:"text,omitempty"`
	InlineData   *wireInlineData   `json:"inlineData,omitempty"`
	FileData     *wireFileData     `json:"fileData,omitempty"`
	FunctionCall *wireFunctionCall `json:"functionCall,omitempty"`
	FunctionResp *wireFunctionResp `json:"functionResponse,omitempty"`
}

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type wireFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type wireFunctionResp struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type wireTool struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations,omitempty"`
}

type wireThinkingConfig struct {
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type wireGenerationConfig struct {
	Temperature      *float64            `json:"temperature,omitempty"`
	TopP             *float64            `json:"topP,omitempty"`
	TopK             *int                `json:"topK,omitempty"`
	MaxOutputTokens  *int                `json:"maxOutputTokens,omitempty"`
	StopSequences    []string            `json:"stopSequences,omitempty"`
	ThinkingConfig   *wireThinkingConfig `json:"thinkingConfig,omitempty"`
}

type wireFunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type wireToolConfig struct {
	FunctionCallingConfig *wireFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent         `json:"contents"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []wireTool            `json:"tools,omitempty"`
	ToolConfig        *wireToolConfig       `json:"toolConfig,omitempty"`
}

type wireUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason"`
	Index        int         `json:"index"`
}

type wireResponse struct {
	Candidates    []wireCandidate    `json:"candidates"`
	UsageMetadata *wireUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string             `json:"modelVersion,omitempty"`
}

// ToCanonicalRequest parses a Gemini GenerateContent request body (spec's
// "Gemini→canonical" mapping): each contents[i] becomes a message
// (role model->assistant), functionCall parts become assistant ToolCalls,
// functionResponse parts become a separate tool-role message, and
// systemInstruction is lifted to a leading system message.
func ToCanonicalRequest(model string, body []byte) (canonical.Request, error) {
	var w wireRequest
	if err := json.Unmarshal(body, &w); err != nil {
		return canonical.Request{}, fmt.Errorf("translate/gemini: decode request: %w", err)
	}

	var messages []canonical.Message
	if w.SystemInstruction != nil {
		if text := joinText(w.SystemInstruction.Parts); text != "" {
			messages = append(messages, canonical.Message{Role: canonical.RoleSystem, Text: text})
		}
	}
	for _, c := range w.Contents {
		messages = append(messages, contentToMessages(c)...)
	}

	req := canonical.Request{Model: model, Messages: messages}
	if w.GenerationConfig != nil {
		gc := w.GenerationConfig
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.TopK = gc.TopK
		req.MaxTokens = gc.MaxOutputTokens
		req.Stop = gc.StopSequences
		if gc.ThinkingConfig != nil {
			req.ThinkingBudget = gc.ThinkingConfig.ThinkingBudget
		}
	}
	for _, t := range w.Tools {
		for _, d := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, canonical.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
		}
	}
	if w.ToolConfig != nil && w.ToolConfig.FunctionCallingConfig != nil {
		fc := w.ToolConfig.FunctionCallingConfig
		switch fc.Mode {
		case "NONE":
			req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}
		case "ANY":
			if len(fc.AllowedFunctionNames) == 1 {
				req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: fc.AllowedFunctionNames[0]}
			} else {
				req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
			}
		default:
			req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
		}
	}
	return req, nil
}

func joinText(parts []wirePart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func contentToMessages(c wireContent) []canonical.Message {
	role := canonical.RoleUser
	if c.Role == "model" {
		role = canonical.RoleAssistant
	}

	var functionResponses []canonical.Message
	msg := canonical.Message{Role: role}
	var textBuf strings.Builder

	for _, p := range c.Parts {
		switch {
		case p.Text != "":
			textBuf.WriteString(p.Text)
		case p.InlineData != nil:
			msg.Parts = append(msg.Parts, canonical.InlineDataPart{MimeType: p.InlineData.MimeType, Base64: p.InlineData.Data})
		case p.FunctionCall != nil:
			argsJSON, _ := json.Marshal(p.FunctionCall.Args)
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{Name: p.FunctionCall.Name, Arguments: string(argsJSON)})
		case p.FunctionResp != nil:
			payload, _ := json.Marshal(p.FunctionResp.Response)
			functionResponses = append(functionResponses, canonical.Message{
				Role:       canonical.RoleTool,
				Name:       p.FunctionResp.Name,
				ToolCallID: p.FunctionResp.Name,
				Text:       string(payload),
			})
		}
	}
	if textBuf.Len() > 0 {
		msg.Text = textBuf.String()
	}

	var out []canonical.Message
	if msg.HasContent() {
		out = append(out, msg)
	}
	out = append(out, functionResponses...)
	return out
}

// FromCanonicalRequest builds a Gemini GenerateContent request body:
// lifts a leading system Message to systemInstruction, maps sampling
// parameters into generationConfig, sanitises tool schemas for Gemini and
// merges duplicate function declarations into one group, and maps
// toolChoice onto toolConfig.functionCallingConfig.
func FromCanonicalRequest(req canonical.Request) map[string]interface{} {
	messages := req.Messages
	var systemText string
	if len(messages) > 0 && messages[0].Role == canonical.RoleSystem {
		systemText = messages[0].Text
		messages = messages[1:]
	}

	var contents []wireContent
	for _, m := range messages {
		contents = append(contents, messageToContent(m))
	}

	body := map[string]interface{}{"contents": contents}
	if systemText != "" {
		body["systemInstruction"] = wireContent{Parts: []wirePart{{Text: systemText}}}
	}

	gc := wireGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	if tc := ThinkingConfigForEffort(req.ReasoningEffort, req.ThinkingBudget); tc != nil {
		gc.ThinkingConfig = tc
	}
	if !generationConfigEmpty(gc) {
		body["generationConfig"] = gc
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]interface{}, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  toolschema.SanitizeForGemini(t.Parameters),
			}
		}
		merged := toolschema.MergeFunctionDeclarations(decls)
		var fdecls []wireFunctionDecl
		for _, d := range merged {
			params, _ := d["parameters"].(map[string]interface{})
			name, _ := d["name"].(string)
			desc, _ := d["description"].(string)
			fdecls = append(fdecls, wireFunctionDecl{Name: name, Description: desc, Parameters: params})
		}
		body["tools"] = []wireTool{{FunctionDeclarations: fdecls}}
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case canonical.ToolChoiceNone:
			body["toolConfig"] = wireToolConfig{FunctionCallingConfig: &wireFunctionCallingConfig{Mode: "NONE"}}
		case canonical.ToolChoiceFunction:
			body["toolConfig"] = wireToolConfig{FunctionCallingConfig: &wireFunctionCallingConfig{
				Mode: "ANY", AllowedFunctionNames: []string{req.ToolChoice.FunctionName},
			}}
		case canonical.ToolChoiceAuto:
			body["toolConfig"] = wireToolConfig{FunctionCallingConfig: &wireFunctionCallingConfig{Mode: "AUTO"}}
		}
	}

	if len(req.GenerationConfig) > 0 {
		m, ok := body["generationConfig"].(map[string]interface{})
		if !ok {
			if existing, ok2 := body["generationConfig"].(wireGenerationConfig); ok2 {
				m = generationConfigToMap(existing)
			} else {
				m = map[string]interface{}{}
			}
		}
		for k, v := range req.GenerationConfig {
			m[k] = v
		}
		body["generationConfig"] = m
	}

	for k, v := range req.ExtraBody {
		body[k] = v
	}
	return body
}

func generationConfigEmpty(gc wireGenerationConfig) bool {
	return gc.Temperature == nil && gc.TopP == nil && gc.TopK == nil &&
		gc.MaxOutputTokens == nil && len(gc.StopSequences) == 0 && gc.ThinkingConfig == nil
}

func generationConfigToMap(gc wireGenerationConfig) map[string]interface{} {
	b, _ := json.Marshal(gc)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

func messageToContent(m canonical.Message) wireContent {
	role := "user"
	if m.Role == canonical.RoleAssistant {
		role = "model"
	}

	if m.Role == canonical.RoleTool {
		var payload map[string]interface{}
		_ = json.Unmarshal([]byte(m.Text), &payload)
		return wireContent{
			Role:  "user",
			Parts: []wirePart{{FunctionResp: &wireFunctionResp{Name: m.Name, Response: payload}}},
		}
	}

	var parts []wirePart
	if m.Text != "" {
		parts = append(parts, wirePart{Text: m.Text})
	}
	for _, p := range m.Parts {
		switch v := p.(type) {
		case canonical.TextPart:
			parts = append(parts, wirePart{Text: v.Text})
		case canonical.InlineDataPart:
			parts = append(parts, wirePart{InlineData: &wireInlineData{MimeType: v.MimeType, Data: v.Base64}})
		case canonical.ImageURLPart:
			parts = append(parts, wirePart{FileData: &wireFileData{FileURI: v.URL}})
		}
	}
	for _, tc := range m.ToolCalls {
		var args map[string]interface{}
		_ = json.Unmarshal([]byte(tc.Arguments), &args)
		parts = append(parts, wirePart{FunctionCall: &wireFunctionCall{Name: tc.Name, Args: args}})
	}
	return wireContent{Role: role, Parts: parts}
}

// ThinkingConfigForEffort maps spec's reasoning-effort -> Gemini
// thinkingConfig table: low=512, medium=2048, high=-1 (dynamic),
// includeThoughts=true in all three; absence of both effort and an
// explicit budget omits thinkingConfig entirely. An explicit budget
// (already resolved by the caller from the THINKING_BUDGET env override,
// which takes precedence per spec) always wins over the effort table.
func ThinkingConfigForEffort(effort canonical.ReasoningEffort, explicitBudget *int) *wireThinkingConfig {
	if explicitBudget != nil {
		b := *explicitBudget
		return &wireThinkingConfig{ThinkingBudget: &b, IncludeThoughts: true}
	}
	var budget int
	switch effort {
	case canonical.ReasoningLow:
		budget = 512
	case canonical.ReasoningMedium:
		budget = 2048
	case canonical.ReasoningHigh:
		budget = -1
	default:
		return nil
	}
	return &wireThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
}

func finishReasonFromWire(s string) canonical.FinishReason {
	switch s {
	case "MAX_TOKENS":
		return canonical.FinishLength
	case "SAFETY", "RECITATION":
		return canonical.FinishContent
	default:
		return canonical.FinishStop
	}
}

// FinishReasonToWire maps canonical finish reasons onto Gemini's
// upper-case finishReason values (spec's "Gemini←canonical" mapping).
func FinishReasonToWire(f canonical.FinishReason) string {
	switch f {
	case canonical.FinishLength:
		return "MAX_TOKENS"
	case canonical.FinishToolCalls:
		return "TOOL_CALLS"
	case canonical.FinishContent:
		return "SAFETY"
	default:
		return "STOP"
	}
}

// ToCanonicalResponse parses a Gemini GenerateContent response body.
func ToCanonicalResponse(body []byte) (*canonical.Response, error) {
	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("translate/gemini: decode response: %w", err)
	}

	resp := &canonical.Response{Model: w.ModelVersion, Object: "chat.completion"}
	if w.UsageMetadata != nil {
		resp.Usage = canonical.Usage{
			PromptTokens:     w.UsageMetadata.PromptTokenCount,
			CompletionTokens: w.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      w.UsageMetadata.TotalTokenCount,
		}
	}
	for _, c := range w.Candidates {
		msgs := contentToMessages(wireContent{Role: "model", Parts: c.Content.Parts})
		msg := canonical.Message{Role: canonical.RoleAssistant}
		if len(msgs) > 0 {
			msg = msgs[0]
			msg.Role = canonical.RoleAssistant
		}
		finish := finishReasonFromWire(c.FinishReason)
		if len(msg.ToolCalls) > 0 {
			finish = canonical.FinishToolCalls
		}
		resp.Choices = append(resp.Choices, canonical.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: finish,
		})
	}
	return resp, nil
}

// FromCanonicalResponse renders a canonical.Response as a Gemini
// GenerateContent response body: one candidate per choice, each assistant
// toolCall appended as a functionCall part after the text part.
func FromCanonicalResponse(resp canonical.Response) map[string]interface{} {
	candidates := make([]map[string]interface{}, len(resp.Choices))
	for i, c := range resp.Choices {
		candidates[i] = map[string]interface{}{
			"content":      messageToContent(c.Message),
			"finishReason": FinishReasonToWire(c.FinishReason),
			"index":        c.Index,
		}
	}
	return map[string]interface{}{
		"candidates": candidates,
		"usageMetadata": map[string]interface{}{
			"promptTokenCount":     resp.Usage.PromptTokens,
			"candidatesTokenCount": resp.Usage.CompletionTokens,
			"totalTokenCount":      resp.Usage.TotalTokens,
		},
	}
}

// StreamAccumulator is the per-stream handle for a streamGenerateContent
// sequence. Gemini emits a whole candidate per chunk (not a fragment), so
// unlike OpenAI's StreamAccumulator this one keeps no state: each chunk
// is translated on its own.
type StreamAccumulator struct{}

// NewStreamAccumulator builds an accumulator.
func NewStreamAccumulator() *StreamAccumulator { return &StreamAccumulator{} }

// ToCanonicalChunk parses one streamGenerateContent SSE event's JSON data
// payload into a canonical.StreamChunk. forceToolCallFinish, when true
// (Gemini Code-Assist streams), forces finishReason=tool_calls whenever
// the candidate carries functionCall parts regardless of the upstream's
// STOP, per spec §4.B's explicit Code-Assist override.
func (a *StreamAccumulator) ToCanonicalChunk(data []byte, forceToolCallFinish bool) (canonical.StreamChunk, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return canonical.StreamChunk{}, fmt.Errorf("translate/gemini: decode stream chunk: %w", err)
	}

	out := canonical.StreamChunk{Model: w.ModelVersion}
	if w.UsageMetadata != nil {
		out.Usage = &canonical.Usage{
			PromptTokens:     w.UsageMetadata.PromptTokenCount,
			CompletionTokens: w.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      w.UsageMetadata.TotalTokenCount,
		}
	}

	for _, c := range w.Candidates {
		delta := canonical.ChoiceDelta{Index: c.Index}
		hasToolCall := false
		for _, p := range c.Content.Parts {
			switch {
			case p.Text != "":
				delta.Content += p.Text
			case p.FunctionCall != nil:
				hasToolCall = true
				argsJSON, _ := json.Marshal(p.FunctionCall.Args)
				delta.ToolCalls = append(delta.ToolCalls, canonical.ToolCallDelta{
					Index: len(delta.ToolCalls), Name: p.FunctionCall.Name, ArgumentsFrag: string(argsJSON),
				})
			}
		}
		if hasToolCall && forceToolCallFinish {
			fr := canonical.FinishToolCalls
			delta.FinishReason = &fr
		} else if c.FinishReason != "" {
			fr := finishReasonFromWire(c.FinishReason)
			if hasToolCall {
				fr = canonical.FinishToolCalls
			}
			delta.FinishReason = &fr
		}
		out.Choices = append(out.Choices, delta)
	}
	return out, nil
}

// FromCanonicalChunk renders a canonical.StreamChunk as a
// streamGenerateContent response body (one SSE `data:` payload), the
// mirror of StreamAccumulator.ToCanonicalChunk used when Gemini is the
// frontend protocol rather than a backend's wire format.
func FromCanonicalChunk(chunk canonical.StreamChunk) map[string]interface{} {
	candidates := make([]map[string]interface{}, len(chunk.Choices))
	for i, d := range chunk.Choices {
		var parts []wirePart
		if d.Content != "" {
			parts = append(parts, wirePart{Text: d.Content})
		}
		for _, tc := range d.ToolCalls {
			var args map[string]interface{}
			_ = json.Unmarshal([]byte(tc.ArgumentsFrag), &args)
			parts = append(parts, wirePart{FunctionCall: &wireFunctionCall{Name: tc.Name, Args: args}})
		}
		cand := map[string]interface{}{
			"content": wireContent{Role: "model", Parts: parts},
			"index":   d.Index,
		}
		if d.FinishReason != nil {
			cand["finishReason"] = FinishReasonToWire(*d.FinishReason)
		}
		candidates[i] = cand
	}
	out := map[string]interface{}{
		"candidates":   candidates,
		"modelVersion": chunk.Model,
	}
	if chunk.Usage != nil {
		out["usageMetadata"] = map[string]interface{}{
			"promptTokenCount":     chunk.Usage.PromptTokens,
			"candidatesTokenCount": chunk.Usage.CompletionTokens,
			"totalTokenCount":      chunk.Usage.TotalTokens,
		}
	}
	return out
}
