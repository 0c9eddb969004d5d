package gemini

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

func TestRequestRoundTrip_SystemInstructionAndGenerationConfig(t *testing.T) {
	temp := 0.3
	maxTok := 512
	req := canonical.Request{
		Model: "gemini-2.5-pro",
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Text: "be terse"},
			{Role: canonical.RoleUser, Text: "hello"},
			{Role: canonical.RoleAssistant, Text: "hi there"},
		},
		Temperature: &temp,
		MaxTokens:   &maxTok,
		Stop:        []string{"STOP"},
	}

	body := FromCanonicalRequest(req)
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	back, err := ToCanonicalRequest("gemini-2.5-pro", raw)
	require.NoError(t, err)

	require.Len(t, back.Messages, 3)
	assert.Equal(t, canonical.RoleSystem, back.Messages[0].Role)
	assert.Equal(t, "be terse", back.Messages[0].Text)
	assert.Equal(t, canonical.RoleUser, back.Messages[1].Role)
	assert.Equal(t, canonical.RoleAssistant, back.Messages[2].Role)
	assert.Equal(t, "hi there", back.Messages[2].Text)

	require.NotNil(t, back.Temperature)
	assert.Equal(t, 0.3, *back.Temperature)
	require.NotNil(t, back.MaxTokens)
	assert.Equal(t, 512, *back.MaxTokens)
	assert.Equal(t, []string{"STOP"}, back.Stop)
}

func TestFunctionCallAndFunctionResponseRoundTrip(t *testing.T) {
	req := canonical.Request{
		Model: "gemini-2.5-pro",
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Text: "what's the weather"},
			{
				Role: canonical.RoleAssistant,
				ToolCalls: []canonical.ToolCall{
					{Name: "get_weather", Arguments: `{"city":"nyc"}`},
				},
			},
			{
				Role: canonical.RoleTool,
				Name: "get_weather",
				Text: `{"tempF":72}`,
			},
		},
	}

	body := FromCanonicalRequest(req)
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	back, err := ToCanonicalRequest("gemini-2.5-pro", raw)
	require.NoError(t, err)
	require.Len(t, back.Messages, 3)

	assistant := back.Messages[1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "get_weather", assistant.ToolCalls[0].Name)

	toolMsg := back.Messages[2]
	assert.Equal(t, canonical.RoleTool, toolMsg.Role)
	assert.Equal(t, "get_weather", toolMsg.Name)
}

func TestToolConfigFunctionCallingModeRoundTrip(t *testing.T) {
	cases := []struct {
		choice canonical.ToolChoice
		mode   string
	}{
		{canonical.ToolChoice{Mode: canonical.ToolChoiceNone}, "NONE"},
		{canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}, "AUTO"},
		{canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: "lookup"}, "ANY"},
	}
	for _, tc := range cases {
		req := canonical.Request{
			Model:      "gemini-2.5-pro",
			Messages:   []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}},
			ToolChoice: &tc.choice,
		}
		body := FromCanonicalRequest(req)
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		back, err := ToCanonicalRequest("gemini-2.5-pro", raw)
		require.NoError(t, err)
		require.NotNil(t, back.ToolChoice)
		if tc.mode == "ANY" {
			assert.Equal(t, canonical.ToolChoiceFunction, back.ToolChoice.Mode)
			assert.Equal(t, "lookup", back.ToolChoice.FunctionName)
		} else {
			assert.Equal(t, tc.choice.Mode, back.ToolChoice.Mode)
		}
	}
}

func TestThinkingConfigForEffort_MapsReasoningAliasTable(t *testing.T) {
	low := ThinkingConfigForEffort(canonical.ReasoningLow, nil)
	require.NotNil(t, low)
	require.NotNil(t, low.ThinkingBudget)
	assert.Equal(t, 512, *low.ThinkingBudget)
	assert.True(t, low.IncludeThoughts)

	medium := ThinkingConfigForEffort(canonical.ReasoningMedium, nil)
	require.NotNil(t, medium.ThinkingBudget)
	assert.Equal(t, 2048, *medium.ThinkingBudget)

	high := ThinkingConfigForEffort(canonical.ReasoningHigh, nil)
	require.NotNil(t, high.ThinkingBudget)
	assert.Equal(t, -1, *high.ThinkingBudget)

	assert.Nil(t, ThinkingConfigForEffort("", nil))

	explicit := 999
	withOverride := ThinkingConfigForEffort(canonical.ReasoningHigh, &explicit)
	require.NotNil(t, withOverride.ThinkingBudget)
	assert.Equal(t, 999, *withOverride.ThinkingBudget, "explicit THINKING_BUDGET override wins over the effort table")
}

func TestResponseRoundTrip(t *testing.T) {
	resp := canonical.Response{
		Model: "gemini-2.5-pro",
		Choices: []canonical.Choice{
			{
				Index:        0,
				Message:      canonical.Message{Role: canonical.RoleAssistant, Text: "hi there"},
				FinishReason: canonical.FinishStop,
			},
		},
		Usage: canonical.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}

	body := FromCanonicalResponse(resp)
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	back, err := ToCanonicalResponse(raw)
	require.NoError(t, err)
	require.Len(t, back.Choices, 1)
	assert.Equal(t, "hi there", back.Choices[0].Message.Text)
	assert.Equal(t, canonical.FinishStop, back.Choices[0].FinishReason)
	assert.Equal(t, 4, back.Usage.PromptTokens)
	assert.Equal(t, 6, back.Usage.TotalTokens)
}

func TestStreamAccumulator_ForceToolCallFinishOverridesStop(t *testing.T) {
	acc := NewStreamAccumulator()
	data := []byte(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{"q":"x"}}}]},"finishReason":"STOP","index":0}]}`)

	plain, err := acc.ToCanonicalChunk(data, false)
	require.NoError(t, err)
	require.NotNil(t, plain.Choices[0].FinishReason)
	assert.Equal(t, canonical.FinishToolCalls, *plain.Choices[0].FinishReason, "a candidate carrying a functionCall always finishes as tool_calls")

	forced, err := acc.ToCanonicalChunk(data, true)
	require.NoError(t, err)
	require.NotNil(t, forced.Choices[0].FinishReason)
	assert.Equal(t, canonical.FinishToolCalls, *forced.Choices[0].FinishReason)
}

func TestStreamAccumulator_TextDeltaNoForcedFinish(t *testing.T) {
	acc := NewStreamAccumulator()
	data := []byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"index":0}]}`)

	chunk, err := acc.ToCanonicalChunk(data, true)
	require.NoError(t, err)
	assert.Equal(t, "hi", chunk.Choices[0].Content)
	assert.Nil(t, chunk.Choices[0].FinishReason)
}
