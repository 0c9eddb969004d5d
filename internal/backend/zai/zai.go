// Package zai implements the ZAI coding-plan backend: an
// Anthropic-Messages-shaped upstream (its bearer token and
// namesake-base wire format, per spec §4.E) that always forwards a fixed
// coding-plan model regardless of what the caller asked for, and rewrites
// the canonical response's model field back to the caller's request on
// the way out. Authorisation is a refreshable OAuth credential file via
// internal/backend/oauthcreds, injected through the same
// backend.CallOptions.APIKey override internal/backend/anthropic already
// honours for key rotation.
package zai

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/backend/anthropic"
	"github.com/relaymesh/llmproxy/internal/backend/oauthcreds"
	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/perror"
)

const (
	defaultBaseURL   = "https://api.z.ai/api/anthropic"
	defaultTokenURL  = "https://api.z.ai/api/oauth2/token"
	defaultCodingModel = "claude-sonnet-4-20250514"
)

// Config configures a Connector.
type Config struct {
	BaseURL        string // defaults to defaultBaseURL
	CredentialPath string
	ClientID       string
	ClientSecret   string
	TokenURL       string // defaults to defaultTokenURL
	CodingModel    string // defaults to defaultCodingModel
}

// Connector wraps an anthropic.Connector, pinning the outbound model and
// refreshing the bearer token on every call.
type Connector struct {
	name        string
	inner       *anthropic.Connector
	store       *oauthcreds.Store
	codingModel string
}

// New builds a Connector authorised through the OAuth credential file at
// cfg.CredentialPath, always forwarding cfg.CodingModel (or
// defaultCodingModel) as the wire-level model.
func New(name string, cfg Config) *Connector {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	codingModel := cfg.CodingModel
	if codingModel == "" {
		codingModel = defaultCodingModel
	}

	store := oauthcreds.NewStore(cfg.CredentialPath, oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	})

	return &Connector{
		name:        name,
		inner:       anthropic.New(name, anthropic.Config{BaseURL: baseURL}),
		store:       store,
		codingModel: codingModel,
	}
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) ChatCompletions(ctx context.Context, req canonical.Request, opts backend.CallOptions) (*canonical.Response, canonical.StreamIter, error) {
	f, err := c.store.Token(ctx)
	if err != nil {
		return nil, nil, perror.New(perror.KindAuthFailed, c.name+": token refresh failed", err)
	}
	opts.APIKey = f.AccessToken

	requestedModel := req.Model
	rewritten := req.Clone()
	rewritten.Model = c.codingModel

	resp, stream, err := c.inner.ChatCompletions(ctx, rewritten, opts)
	if err != nil {
		return nil, nil, err
	}
	if resp != nil {
		resp.Model = requestedModel
		return resp, nil, nil
	}
	return nil, &modelRewriteStream{inner: stream, model: requestedModel}, nil
}

func (c *Connector) ListModels(ctx context.Context) ([]string, error) {
	return []string{c.codingModel}, nil
}

// modelRewriteStream restamps every streamed chunk's Model field back to
// the caller-requested model, since upstream only ever saw the pinned
// coding-plan model.
type modelRewriteStream struct {
	inner canonical.StreamIter
	model string
}

func (s *modelRewriteStream) Next() (canonical.StreamChunk, error) {
	chunk, err := s.inner.Next()
	chunk.Model = s.model
	return chunk, err
}

func (s *modelRewriteStream) Close() error { return s.inner.Close() }
