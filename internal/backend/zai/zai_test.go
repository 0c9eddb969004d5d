package zai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/backend/oauthcreds"
	"github.com/relaymesh/llmproxy/internal/canonical"
)

func writeCredFile(t *testing.T, f oauthcreds.File) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creds.json")
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// TestChatCompletions_PinsCodingModelButReportsRequestedModelBack covers the
// fixed-codingModel rewrite: the upstream call always targets
// defaultCodingModel regardless of what the caller asked for, but the
// response is restamped back to the caller's requested model.
func TestChatCompletions_PinsCodingModelButReportsRequestedModelBack(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":          "msg_1",
			"model":       defaultCodingModel,
			"role":        "assistant",
			"content":     []map[string]interface{}{{"type": "text", "text": "hi"}},
			"stop_reason": "end_turn",
		})
	}))
	defer server.Close()

	credPath := writeCredFile(t, oauthcreds.File{
		AccessToken: "zai-token",
		ExpiryDate:  time.Now().Add(time.Hour).UnixMilli(),
	})

	conn := New("zai", Config{BaseURL: server.URL, CredentialPath: credPath})
	req := canonical.Request{Model: "gpt-4o", Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hello"}}}

	resp, _, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, defaultCodingModel, gotModel, "upstream request must always target the pinned coding model")
	assert.Equal(t, "gpt-4o", resp.Model, "response must be restamped to the caller's requested model")
}

// TestChatCompletions_StreamingRestampsModelOnEveryChunk covers
// modelRewriteStream: each streamed chunk's Model field is rewritten back
// to the caller-requested model, not the pinned coding model.
func TestChatCompletions_StreamingRestampsModelOnEveryChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		_, _ = w.Write([]byte("event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("event: message_stop\ndata: {}\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	credPath := writeCredFile(t, oauthcreds.File{
		AccessToken: "zai-token",
		ExpiryDate:  time.Now().Add(time.Hour).UnixMilli(),
	})

	conn := New("zai", Config{BaseURL: server.URL, CredentialPath: credPath, CodingModel: "claude-sonnet-4-20250514"})
	req := canonical.Request{Model: "my-alias", Stream: true, Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}}}

	resp, stream, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, stream)
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "my-alias", chunk.Model)
}

func TestListModels_ReturnsOnlyThePinnedCodingModel(t *testing.T) {
	credPath := writeCredFile(t, oauthcreds.File{AccessToken: "t", ExpiryDate: time.Now().Add(time.Hour).UnixMilli()})
	conn := New("zai", Config{BaseURL: "http://unused.invalid", CredentialPath: credPath, CodingModel: "custom-model"})

	ids, err := conn.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"custom-model"}, ids)
}
