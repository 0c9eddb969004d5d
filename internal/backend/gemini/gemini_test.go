package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/httpclient"
)

func TestChatCompletions_SendsAPIKeyHeaderAndPathAndDecodesResponse(t *testing.T) {
	var gotAPIKey, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{
					"content":      map[string]interface{}{"role": "model", "parts": []map[string]interface{}{{"text": "hi there"}}},
					"finishReason": "STOP",
					"index":        0,
				},
			},
			"usageMetadata": map[string]interface{}{"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6},
		})
	}))
	defer server.Close()

	conn := New("gemini", Config{APIKey: "test-key", BaseURL: server.URL})
	req := canonical.Request{
		Model:    "gemini-2.5-pro",
		Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hello"}},
	}

	resp, stream, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Nil(t, stream)
	require.NotNil(t, resp)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Text)
	assert.Equal(t, "test-key", gotAPIKey)
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent", gotPath)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
}

func TestChatCompletions_SyntheticUsageWhenUpstreamOmitsUsageMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{
					"content":      map[string]interface{}{"role": "model", "parts": []map[string]interface{}{{"text": "hi there"}}},
					"finishReason": "STOP",
					"index":        0,
				},
			},
		})
	}))
	defer server.Close()

	conn := New("gemini", Config{APIKey: "k", BaseURL: server.URL})
	req := canonical.Request{
		Model:    "gemini-2.5-pro",
		Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hello there"}},
	}

	resp, _, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Greater(t, resp.Usage.TotalTokens, 0, "connector must synthesize usage when upstream omits usageMetadata")
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestOAuthConnector_UsesBearerTokenFromTokenFunc(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{"role": "model", "parts": []map[string]interface{}{{"text": "ok"}}}, "finishReason": "STOP", "index": 0},
			},
			"usageMetadata": map[string]interface{}{"promptTokenCount": 1, "candidatesTokenCount": 1, "totalTokenCount": 2},
		})
	}))
	defer server.Close()

	client := httpclient.NewClient(httpclient.Config{BaseURL: server.URL})
	conn := NewOAuth("geminioauth", client, func(ctx context.Context) (string, error) {
		return "oauth-token", nil
	}, false)

	req := canonical.Request{Model: "gemini-2.5-pro", Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}}}
	_, _, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer oauth-token", gotAuth)
}

func TestStreaming_ForceToolCallFinishOverridesUpstreamStopOnFunctionCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		_, _ = w.Write([]byte(`data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{}}}]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1,"totalTokenCount":2}}` + "\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	// NewWithClient's forceToolCallFinish=true mirrors the Code-Assist
	// connector's streaming override (spec §4.B).
	client := httpclient.NewClient(httpclient.Config{BaseURL: server.URL})
	forced := NewWithClient("geminicodeassist", client, true)

	req := canonical.Request{Model: "gemini-2.5-pro", Stream: true, Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}}}
	resp, stream, err := forced.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, stream)
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, canonical.FinishToolCalls, *chunk.Choices[0].FinishReason)
}
