// Package oauthcreds implements the shared on-disk OAuth credential
// handling that the Gemini-OAuth, Qwen-OAuth and ZAI connectors sit on top
// of: load → refresh-if-expiring → atomic rewrite. Grounded on
// NeboLoop-nebo's internal/oauth/broker.StartRefreshLoop/RefreshExpiring
// ticker-driven refresh, reimplemented here as an on-demand
// golang.org/x/oauth2.TokenSource instead of a background ticker, since a
// connector only needs a valid token at call time, not a continuously
// warm one. The write-temp-then-rename plus gofrs/flock advisory lock is
// carried over from the broker's file-guarding approach unchanged.
package oauthcreds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/oauth2"
)

// File is the on-disk credential shape, matching the JSON layout spec's
// Gemini-OAuth/Qwen-OAuth/ZAI backends already persist between CLI runs
// (access_token/refresh_token/token_type/expiry_date-as-epoch-ms, plus an
// optional resource_url some of the pack's brokers key project lookups on).
type File struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiryDate   int64  `json:"expiry_date"` // epoch milliseconds
	ResourceURL  string `json:"resource_url,omitempty"`
}

// refreshSkew is how far ahead of actual expiry a token is treated as
// already-expired, per spec's "expiry_date-now<=30s" rule.
const refreshSkew = 30 * time.Second

// Store manages one credential file: reading it, refreshing it through an
// oauth2.Config when it's within refreshSkew of expiring, and persisting
// the refreshed token back atomically. One Store per credential file path;
// callers share a Store across goroutines instead of opening the file
// themselves.
type Store struct {
	path   string
	oauth  oauth2.Config
	mu     sync.Mutex // process-level: serialises refreshes against this file
	cached *File
}

// NewStore builds a Store for the credential file at path, refreshed
// through cfg (TokenURL/ClientID/ClientSecret set per backend, no redirect
// flow — only RefreshToken grants are ever used here).
func NewStore(path string, cfg oauth2.Config) *Store {
	return &Store{path: path, oauth: cfg}
}

// Token returns a currently-valid access token, refreshing and persisting
// the credential file first if it's within refreshSkew of expiry.
func (s *Store) Token(ctx context.Context) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load()
	if err != nil {
		return nil, err
	}

	if !needsRefresh(cur) {
		s.cached = cur
		return cur, nil
	}

	refreshed, err := s.refresh(ctx, cur)
	if err != nil {
		return nil, err
	}
	if err := s.save(refreshed); err != nil {
		return nil, err
	}
	s.cached = refreshed
	return refreshed, nil
}

func needsRefresh(f *File) bool {
	if f.AccessToken == "" {
		return true
	}
	expiry := time.UnixMilli(f.ExpiryDate)
	return time.Until(expiry) <= refreshSkew
}

func (s *Store) refresh(ctx context.Context, cur *File) (*File, error) {
	// Only the refresh token is handed over: oauth2 would otherwise reuse an
	// access token that still has more than its own 10s margin left.
	ts := s.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cur.RefreshToken,
	})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("oauthcreds: refresh %s: %w", s.path, err)
	}
	return &File{
		AccessToken:  tok.AccessToken,
		RefreshToken: firstNonEmpty(tok.RefreshToken, cur.RefreshToken),
		TokenType:    tok.TokenType,
		ExpiryDate:   tok.Expiry.UnixMilli(),
		ResourceURL:  cur.ResourceURL,
	}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (s *Store) load() (*File, error) {
	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("oauthcreds: lock %s: %w", s.path, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("oauthcreds: read %s: %w", s.path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("oauthcreds: parse %s: %w", s.path, err)
	}
	return &f, nil
}

// save persists f by writing to a sibling temp file and renaming it over
// the target, so a concurrent reader never observes a partially-written
// credential file.
func (s *Store) save(f *File) error {
	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("oauthcreds: lock %s: %w", s.path, err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("oauthcreds: marshal %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".oauthcreds-*")
	if err != nil {
		return fmt.Errorf("oauthcreds: create temp for %s: %w", s.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("oauthcreds: write temp for %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("oauthcreds: close temp for %s: %w", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("oauthcreds: rename temp over %s: %w", s.path, err)
	}
	return nil
}
