// Package geminioauth implements a Gemini backend authorised by a
// refreshable OAuth credential file instead of a static API key. Wraps
// internal/backend/gemini's request/response mapping via
// gemini.NewOAuth, grounded on the same pkg/providers/google shape as the
// API-key connector; the only new surface is internal/backend/oauthcreds
// supplying a live bearer token per call.
package geminioauth

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/relaymesh/llmproxy/internal/backend/gemini"
	"github.com/relaymesh/llmproxy/internal/backend/oauthcreds"
	"github.com/relaymesh/llmproxy/internal/httpclient"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Config configures a Connector.
type Config struct {
	BaseURL          string // defaults to defaultBaseURL
	CredentialPath   string // path to the on-disk OAuth credential file
	ClientID         string
	ClientSecret     string
	TokenURL         string // defaults to Google's OAuth token endpoint
}

const defaultTokenURL = "https://oauth2.googleapis.com/token"

// New builds a gemini.Connector that authorises every call with a bearer
// token refreshed (as needed) from the credential file at
// cfg.CredentialPath.
func New(name string, cfg Config) *gemini.Connector {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	store := oauthcreds.NewStore(cfg.CredentialPath, oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	})

	client := httpclient.NewClient(httpclient.Config{BaseURL: baseURL})
	tokenFunc := func(ctx context.Context) (string, error) {
		f, err := store.Token(ctx)
		if err != nil {
			return "", err
		}
		return f.AccessToken, nil
	}
	return gemini.NewOAuth(name, client, tokenFunc, false)
}
