// Package qwenoauth implements a Qwen backend speaking the OpenAI Chat
// Completions wire shape (Qwen's compatible-mode endpoint) but authorised
// by a refreshable OAuth credential file instead of a static API key — the
// "namesake base" spec §4.E calls for, reusing internal/backend/openai
// verbatim and only injecting a live bearer token per call via
// backend.CallOptions.APIKey, the same override path key-rotation already
// uses.
package qwenoauth

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/backend/oauthcreds"
	"github.com/relaymesh/llmproxy/internal/backend/openai"
	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/httpclient"
	"github.com/relaymesh/llmproxy/internal/perror"
)

const (
	defaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	defaultTokenURL = "https://chat.qwen.ai/api/v1/oauth2/token"
)

// Config configures a Connector.
type Config struct {
	BaseURL        string // defaults to defaultBaseURL
	CredentialPath string // e.g. ~/.qwen/oauth_creds.json
	ClientID       string
	ClientSecret   string
	TokenURL       string // defaults to defaultTokenURL
}

// Connector wraps an openai.Connector, refreshing and injecting the
// bearer token on every call.
type Connector struct {
	name   string
	inner  *openai.Connector
	client *httpclient.Client
	store  *oauthcreds.Store
}

// New builds a Connector whose calls authorise through the OAuth
// credential file at cfg.CredentialPath.
func New(name string, cfg Config) *Connector {
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
	return &Connector{
		name:   name,
		inner:  openai.NewWithClient(name, client),
		client: client,
		store:  store,
	}
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) ChatCompletions(ctx context.Context, req canonical.Request, opts backend.CallOptions) (*canonical.Response, canonical.StreamIter, error) {
	f, err := c.store.Token(ctx)
	if err != nil {
		return nil, nil, perror.New(perror.KindAuthFailed, c.name+": token refresh failed", err)
	}
	opts.APIKey = f.AccessToken
	return c.inner.ChatCompletions(ctx, req, opts)
}

func (c *Connector) ListModels(ctx context.Context) ([]string, error) {
	f, err := c.store.Token(ctx)
	if err != nil {
		return nil, perror.New(perror.KindAuthFailed, c.name+": token refresh failed", err)
	}
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	resp, err := c.client.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodGet,
		Path:    "/models",
		Headers: map[string]string{"Authorization": "Bearer " + f.AccessToken},
	}, &result)
	if err != nil {
		return nil, perror.New(perror.KindUpstreamTransient, c.name+": request failed", err)
	}
	if resp.StatusCode >= 400 {
		return nil, perror.New(perror.KindUpstreamTransient, c.name+": unexpected status", nil)
	}
	ids := make([]string, len(result.Data))
	for i, m := range result.Data {
		ids[i] = m.ID
	}
	return ids, nil
}
