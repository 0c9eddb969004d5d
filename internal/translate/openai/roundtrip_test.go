package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

func ptrFloat(f float64) *float64 { return &f }
func ptrInt(i int) *int           { return &i }

// jsonRoundTrip marshals v the way the HTTP client would before it hits the
// wire, so ToCanonicalRequest/ToCanonicalResponse parse realistic bytes
// instead of a Go value still carrying typed fields (e.g. wireMessage).
func jsonRoundTrip(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func TestRequestRoundTrip_PreservesModelMessagesAndSamplingParams(t *testing.T) {
	req := canonical.Request{
		Model: "gpt-4o",
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Text: "be terse"},
			{Role: canonical.RoleUser, Text: "hello"},
		},
		Temperature:     ptrFloat(0.4),
		TopP:            ptrFloat(0.9),
		MaxTokens:       ptrInt(256),
		Stop:            []string{"\n\n"},
		PresencePenalty: ptrFloat(0.1),
		Seed:            func() *int64 { v := int64(7); return &v }(),
		User:            "user-1",
	}

	body := FromCanonicalRequest(req)
	raw, err := jsonRoundTrip(body)
	require.NoError(t, err)

	back, err := ToCanonicalRequest(raw)
	require.NoError(t, err)

	assert.Equal(t, req.Model, back.Model)
	require.Len(t, back.Messages, 2)
	assert.Equal(t, canonical.RoleSystem, back.Messages[0].Role)
	assert.Equal(t, "be terse", back.Messages[0].Text)
	assert.Equal(t, "hello", back.Messages[1].Text)
	require.NotNil(t, back.Temperature)
	assert.Equal(t, 0.4, *back.Temperature)
	require.NotNil(t, back.TopP)
	assert.Equal(t, 0.9, *back.TopP)
	require.NotNil(t, back.MaxTokens)
	assert.Equal(t, 256, *back.MaxTokens)
	assert.Equal(t, []string{"\n\n"}, back.Stop)
	assert.Equal(t, "user-1", back.User)
}

func TestToolChoiceRoundTrip(t *testing.T) {
	cases := []canonical.ToolChoice{
		{Mode: canonical.ToolChoiceNone},
		{Mode: canonical.ToolChoiceAuto},
		{Mode: canonical.ToolChoiceFunction, FunctionName: "lookup"},
	}
	for _, tc := range cases {
		req := canonical.Request{
			Model:      "gpt-4o",
			Messages:   []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}},
			ToolChoice: &tc,
		}
		body := FromCanonicalRequest(req)
		raw, err := jsonRoundTrip(body)
		require.NoError(t, err)
		back, err := ToCanonicalRequest(raw)
		require.NoError(t, err)
		require.NotNil(t, back.ToolChoice)
		assert.Equal(t, tc.Mode, back.ToolChoice.Mode)
		assert.Equal(t, tc.FunctionName, back.ToolChoice.FunctionName)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := canonical.Response{
		ID:      "chatcmpl-1",
		Model:   "gpt-4o",
		Created: 1700000000,
		Choices: []canonical.Choice{
			{Index: 0, Message: canonical.Message{Role: canonical.RoleAssistant, Text: "hi there"}, FinishReason: canonical.FinishStop},
		},
		Usage: canonical.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}

	body := FromCanonicalResponse(resp)
	raw, err := jsonRoundTrip(body)
	require.NoError(t, err)

	back, err := ToCanonicalResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, back.ID)
	assert.Equal(t, resp.Model, back.Model)
	require.Len(t, back.Choices, 1)
	assert.Equal(t, "hi there", back.Choices[0].Message.Text)
	assert.Equal(t, canonical.FinishStop, back.Choices[0].FinishReason)
	assert.Equal(t, resp.Usage, back.Usage)
}

func TestStreamAccumulator_AccumulatesToolCallFragmentsAcrossChunks(t *testing.T) {
	acc := NewStreamAccumulator()

	chunk1 := []byte(`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`)
	chunk2 := []byte(`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`)
	chunk3 := []byte(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`)

	out1, err := acc.ToCanonicalChunk(chunk1)
	require.NoError(t, err)
	require.Len(t, out1.Choices[0].ToolCalls, 1)
	assert.Equal(t, "call_1", out1.Choices[0].ToolCalls[0].ID)
	assert.Equal(t, "lookup", out1.Choices[0].ToolCalls[0].Name)

	out2, err := acc.ToCanonicalChunk(chunk2)
	require.NoError(t, err)
	require.Len(t, out2.Choices[0].ToolCalls, 1)
	// name/id persist across fragments even though this delta omits them.
	assert.Equal(t, "call_1", out2.Choices[0].ToolCalls[0].ID)
	assert.Equal(t, "lookup", out2.Choices[0].ToolCalls[0].Name)
	assert.Equal(t, `"x"}`, out2.Choices[0].ToolCalls[0].ArgumentsFrag)

	out3, err := acc.ToCanonicalChunk(chunk3)
	require.NoError(t, err)
	require.NotNil(t, out3.Choices[0].FinishReason)
	assert.Equal(t, canonical.FinishToolCalls, *out3.Choices[0].FinishReason)
}

func TestFromCanonicalChunk_OmitsFinishReasonUntilSet(t *testing.T) {
	chunk := canonical.StreamChunk{
		ID:    "c1",
		Model: "gpt-4o",
		Choices: []canonical.ChoiceDelta{
			{Index: 0, Content: "hi"},
		},
	}
	out := FromCanonicalChunk(chunk)
	choices := out["choices"].([]map[string]interface{})
	require.Len(t, choices, 1)
	assert.Nil(t, choices[0]["finish_reason"])
}
