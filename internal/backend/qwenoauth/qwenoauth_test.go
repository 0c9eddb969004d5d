package qwenoauth

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

// TestChatCompletions_FetchesTokenThenDelegatesToOpenAIWireShape covers the
// qwenoauth.Connector's own logic: pull a bearer token from the credential
// store, inject it as opts.APIKey, and delegate to the wrapped OpenAI
// connector for the actual Qwen-compatible request shape.
func TestChatCompletions_FetchesTokenThenDelegatesToOpenAIWireShape(t *testing.T) {
	var gotAuth string
	qwenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "c1",
			"model": "qwen3-coder-plus",
			"choices": []map[string]interface{}{
				{"index": 0, "message": map[string]interface{}{"role": "assistant", "content": "hi"}, "finish_reason": "stop"},
			},
		})
	}))
	defer qwenServer.Close()

	credPath := writeCredFile(t, oauthcreds.File{
		AccessToken:  "qwen-token",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	})

	conn := New("qwenoauth", Config{BaseURL: qwenServer.URL, CredentialPath: credPath})
	req := canonical.Request{Model: "qwen3-coder-plus", Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "hello"}}}

	resp, _, err := conn.ChatCompletions(context.Background(), req, backend.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Text)
	assert.Equal(t, "Bearer qwen-token", gotAuth)
}

func TestListModels_UsesBearerTokenFromStore(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"id": "qwen3-coder-plus"}},
		})
	}))
	defer server.Close()

	credPath := writeCredFile(t, oauthcreds.File{
		AccessToken: "qwen-token",
		ExpiryDate:  time.Now().Add(time.Hour).UnixMilli(),
	})

	conn := New("qwenoauth", Config{BaseURL: server.URL, CredentialPath: credPath})
	ids, err := conn.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"qwen3-coder-plus"}, ids)
	assert.Equal(t, "/models", gotPath)
	assert.Equal(t, "Bearer qwen-token", gotAuth)
}
