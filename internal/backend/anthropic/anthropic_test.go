package anthropic

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
	"github.com/relaymesh/llmproxy/internal/perror"
	wire "github.com/relaymesh/llmproxy/internal/translate/anthropic"
)

func TestChatCompletions_SendsAPIKeyHeaderAndVersionAndDecodesResponse(t *testing.T) {
	var gotAPIKey, gotVersion string
	var capturedRequest map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		_ = json.NewDecoder(r.Body).Decode(&capturedRequest)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "msg_1",
			"model":   "claude-sonnet-4-20250514",
			"role":    "assistant",
			"content": []map[string]interface{}{{"type": "text", "text": "hi there"}},
			"stop_reason": "end_turn",
			"usage":       map[string]interface{}{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer server.Close()

	conn := New("anthropic", Config{APIKey: "test-key", BaseURL: server.URL})
	req := canonical.Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hello"}},
	}

	resp, stream, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Nil(t, stream)
	require.NotNil(t, resp)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Text)

	assert.Equal(t, "test-key", gotAPIKey)
	assert.Equal(t, defaultAPIVersion, gotVersion)
	assert.EqualValues(t, wire.DefaultMaxTokens, capturedRequest["max_tokens"])
}

func TestChatCompletions_MetadataMergedIntoRequestBody(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
		})
	}))
	defer server.Close()

	conn := New("anthropic", Config{APIKey: "k", BaseURL: server.URL, Metadata: map[string]interface{}{"user_id": "abc"}})
	req := canonical.Request{Model: "claude-sonnet-4-20250514", Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}}}

	_, _, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)

	meta := captured["metadata"].(map[string]interface{})
	assert.Equal(t, "abc", meta["user_id"])
}

func TestChatCompletions_AuthFailureMapsToAuthFailedKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid key"}`))
	}))
	defer server.Close()

	conn := New("anthropic", Config{APIKey: "bad", BaseURL: server.URL})
	req := canonical.Request{Model: "claude-sonnet-4-20250514", Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}}}

	_, _, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.Error(t, err)
	pe, ok := perror.AsError(err)
	require.True(t, ok)
	assert.Equal(t, perror.KindAuthFailed, pe.Kind)
}

func TestChatCompletions_StreamingParsesNamedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		_, _ = w.Write([]byte("event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("event: message_stop\ndata: {}\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	conn := New("anthropic", Config{APIKey: "k", BaseURL: server.URL})
	req := canonical.Request{Model: "claude-sonnet-4-20250514", Stream: true, Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}}}

	resp, stream, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, stream)
	defer stream.Close()

	chunk1, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "hi", chunk1.Choices[0].Content)

	chunk2, err := stream.Next()
	require.NoError(t, err)
	require.NotNil(t, chunk2.Choices[0].FinishReason)

	_, err = stream.Next()
	assert.Error(t, err) // io.EOF from message_stop
}
