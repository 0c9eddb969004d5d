package oauthcreds

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
	"golang.org/x/oauth2"
)

func writeCredFile(t *testing.T, dir string, f File) string {
	t.Helper()
	path := filepath.Join(dir, "creds.json")
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestToken_ValidTokenIsReturnedWithoutRefreshing(t *testing.T) {
	refreshCalled := false
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalled = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer tokenServer.Close()

	dir := t.TempDir()
	path := writeCredFile(t, dir, File{
		AccessToken:  "still-good",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	})

	store := NewStore(path, oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: tokenServer.URL}})
	f, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still-good", f.AccessToken)
	assert.False(t, refreshCalled, "a token with more than refreshSkew left must not trigger a refresh")
}

// TestToken_RefreshesWhenWithinSkewOfExpiry exercises spec's
// "expiry_date-now<=30s" refresh rule: a token expiring in 10s (inside the
// 30s refreshSkew) must be refreshed before Token returns.
func TestToken_RefreshesWhenWithinSkewOfExpiry(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "refreshed-token",
			"refresh_token": "refresh-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenServer.Close()

	dir := t.TempDir()
	path := writeCredFile(t, dir, File{
		AccessToken:  "about-to-expire",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(10 * time.Second).UnixMilli(),
		ResourceURL:  "projects/123",
	})

	store := NewStore(path, oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenServer.URL},
	})

	f, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", f.AccessToken)
	assert.Equal(t, "refresh-2", f.RefreshToken)
	assert.Equal(t, "projects/123", f.ResourceURL, "refresh must preserve fields the token endpoint doesn't return")

	persisted, err := store.load()
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", persisted.AccessToken)
}

// TestToken_RefreshKeepsPriorRefreshTokenWhenUpstreamOmitsOne covers the
// common refresh-grant response that doesn't re-issue a refresh_token.
func TestToken_RefreshKeepsPriorRefreshTokenWhenUpstreamOmitsOne(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "refreshed-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	dir := t.TempDir()
	path := writeCredFile(t, dir, File{
		AccessToken:  "expired",
		RefreshToken: "refresh-keep-me",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(-time.Minute).UnixMilli(),
	})

	store := NewStore(path, oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: tokenServer.URL}})
	f, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refresh-keep-me", f.RefreshToken)
}

func TestSave_WritesAtomicallyViaTempFileRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	store := NewStore(path, oauth2.Config{})

	err := store.save(&File{AccessToken: "a", RefreshToken: "b", ExpiryDate: 1})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".oauthcreds-", "no leftover temp file after a successful save")
	}

	loaded, err := store.load()
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.AccessToken)
}

func TestToken_MissingAccessTokenAlwaysNeedsRefresh(t *testing.T) {
	assert.True(t, needsRefresh(&File{AccessToken: "", ExpiryDate: time.Now().Add(time.Hour).UnixMilli()}))
}
