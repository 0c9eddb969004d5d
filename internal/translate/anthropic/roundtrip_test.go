package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

func TestRequestRoundTrip_LiftsSystemMessageAndDefaultsMaxTokens(t *testing.T) {
	req := canonical.Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Text: "be terse"},
			{Role: canonical.RoleUser, Text: "hello"},
		},
	}

	body := FromCanonicalRequest(req, nil)
	assert.Equal(t, "be terse", body["system"])
	assert.Equal(t, DefaultMaxTokens, body["max_tokens"])

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	back, err := ToCanonicalRequest(raw)
	require.NoError(t, err)
	require.Len(t, back.Messages, 2)
	assert.Equal(t, canonical.RoleSystem, back.Messages[0].Role)
	assert.Equal(t, "be terse", back.Messages[0].Text)
	assert.Equal(t, canonical.RoleUser, back.Messages[1].Role)
	assert.Equal(t, "hello", back.Messages[1].Text)
}

func TestRequestRoundTrip_ExplicitMaxTokensWins(t *testing.T) {
	maxTokens := 128
	req := canonical.Request{
		Model:     "claude-sonnet-4-20250514",
		Messages:  []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}},
		MaxTokens: &maxTokens,
	}
	body := FromCanonicalRequest(req, nil)
	assert.Equal(t, 128, body["max_tokens"])
}

func TestFromCanonicalRequest_MetadataCallerOverridesBase(t *testing.T) {
	req := canonical.Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}},
		ExtraBody: map[string]interface{}{
			"metadata": map[string]interface{}{"user_id": "caller-wins"},
		},
	}
	body := FromCanonicalRequest(req, map[string]interface{}{"user_id": "base", "session": "s1"})
	meta := body["metadata"].(map[string]interface{})
	assert.Equal(t, "caller-wins", meta["user_id"])
	assert.Equal(t, "s1", meta["session"])
}

func TestToolUseAndToolResultRoundTrip(t *testing.T) {
	req := canonical.Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []canonical.Message{
			{
				Role:      canonical.RoleAssistant,
				ToolCalls: []canonical.ToolCall{{ID: "call_1", Name: "lookup", Arguments: `{"q":"x"}`}},
			},
			{
				Role:       canonical.RoleTool,
				ToolCallID: "call_1",
				Text:       `{"result":"ok"}`,
			},
		},
	}

	body := FromCanonicalRequest(req, nil)
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	back, err := ToCanonicalRequest(raw)
	require.NoError(t, err)
	require.Len(t, back.Messages, 2)

	assistant := back.Messages[0]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "lookup", assistant.ToolCalls[0].Name)

	toolResult := back.Messages[1]
	assert.Equal(t, "call_1", toolResult.ToolCallID)
	assert.Equal(t, `{"result":"ok"}`, toolResult.Text)
}

func TestFinishReasonToWire_MapsSpecTable(t *testing.T) {
	assert.Equal(t, "end_turn", FinishReasonToWire(canonical.FinishStop))
	assert.Equal(t, "max_tokens", FinishReasonToWire(canonical.FinishLength))
	assert.Equal(t, "tool_use", FinishReasonToWire(canonical.FinishToolCalls))
}

func TestResponseRoundTrip(t *testing.T) {
	resp := canonical.Response{
		ID:    "msg_1",
		Model: "claude-sonnet-4-20250514",
		Choices: []canonical.Choice{
			{
				Message:      canonical.Message{Role: canonical.RoleAssistant, Text: "hi there"},
				FinishReason: canonical.FinishStop,
			},
		},
		Usage: canonical.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	body := FromCanonicalResponse(resp)
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	back, err := ToCanonicalResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, back.ID)
	require.Len(t, back.Choices, 1)
	assert.Equal(t, "hi there", back.Choices[0].Message.Text)
	assert.Equal(t, canonical.FinishStop, back.Choices[0].FinishReason)
	assert.Equal(t, 10, back.Usage.PromptTokens)
	assert.Equal(t, 5, back.Usage.CompletionTokens)
	assert.Equal(t, 15, back.Usage.TotalTokens)
}

func TestStreamEventToChunk_ContentBlockDeltaTextAndToolArgs(t *testing.T) {
	textEvent := []byte(`{"index":0,"delta":{"type":"text_delta","text":"hi"}}`)
	chunk, ok, err := StreamEventToChunk("content_block_delta", textEvent)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "hi", chunk.Choices[0].Content)

	toolEvent := []byte(`{"index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":1}"}}`)
	chunk, ok, err = StreamEventToChunk("content_block_delta", toolEvent)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chunk.Choices[0].ToolCalls, 1)
	assert.Equal(t, `{"q":1}`, chunk.Choices[0].ToolCalls[0].ArgumentsFrag)
}

func TestStreamEventToChunk_MessageStopSignalsDone(t *testing.T) {
	chunk, ok, err := StreamEventToChunk("message_stop", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, chunk.Done)
}

func TestChunkToWireEvents_MirrorsStreamEventToChunk(t *testing.T) {
	fr := canonical.FinishToolCalls
	chunk := canonical.StreamChunk{
		Choices: []canonical.ChoiceDelta{
			{
				Index:        0,
				Content:      "partial",
				ToolCalls:    []canonical.ToolCallDelta{{Index: 0, ArgumentsFrag: `{"a":1}`}},
				FinishReason: &fr,
			},
		},
		Usage: &canonical.Usage{CompletionTokens: 4},
	}

	events := ChunkToWireEvents(chunk)
	require.Len(t, events, 3) // text delta, tool-args delta, message_delta

	assert.Equal(t, "content_block_delta", events[0].Type)
	assert.Equal(t, "message_delta", events[2].Type)
	deltaPayload := events[2].Data["delta"].(map[string]interface{})
	assert.Equal(t, "tool_use", deltaPayload["stop_reason"])
}
