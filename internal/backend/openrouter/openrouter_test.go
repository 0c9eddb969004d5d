package openrouter

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
)

// TestChatCompletions_SendsAttributionHeadersAndOpenAIWireShape exercises
// OpenRouter's two extra attribution headers on top of the OpenAI-compatible
// chat-completions wire shape it otherwise reuses verbatim (spec §4.E).
func TestChatCompletions_SendsAttributionHeadersAndOpenAIWireShape(t *testing.T) {
	var gotAuth, gotReferer, gotTitle string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "gen-1",
			"model": "google/gemini-2.5-pro",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"message":       map[string]interface{}{"role": "assistant", "content": "hi there"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]interface{}{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer server.Close()

	conn := New("openrouter", Config{
		APIKey:   "test-key",
		BaseURL:  server.URL,
		Referer:  "https://example.com",
		AppTitle: "llmproxy",
	})

	req := canonical.Request{
		Model:    "google/gemini-2.5-pro",
		Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hello"}},
	}

	resp, _, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Text)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "https://example.com", gotReferer)
	assert.Equal(t, "llmproxy", gotTitle)
}

// TestNew_OmitsAttributionHeadersWhenUnconfigured confirms the optional
// HTTP-Referer/X-Title headers aren't sent blank when Referer/AppTitle are
// left unset.
func TestNew_OmitsAttributionHeadersWhenUnconfigured(t *testing.T) {
	sawReferer, sawTitle := false, false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("HTTP-Referer") != "" {
			sawReferer = true
		}
		if r.Header.Get("X-Title") != "" {
			sawTitle = true
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"role": "assistant", "content": "ok"}, "finish_reason": "stop"},
			},
		})
	}))
	defer server.Close()

	conn := New("openrouter", Config{APIKey: "k", BaseURL: server.URL})
	req := canonical.Request{Model: "google/gemini-2.5-pro", Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}}}

	_, _, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.False(t, sawReferer)
	assert.False(t, sawTitle)
}
