// Package geminicodeassist wraps internal/backend/geminioauth's request
// shape with the two things Google's Code Assist tunnel needs beyond a
// plain OAuth-authorised Gemini call: a one-time cached project-id
// discovery merged into every request body, and the forced
// finishReason=tool_calls override spec calls out for this backend's
// streaming mapper (handled by gemini.NewOAuth's forceToolCallFinish flag;
// project discovery is this package's own addition, grounded on the same
// oauthcreds token source geminioauth already built).
package geminicodeassist

import (
	"context"
	"sync"

	"golang.org/x/oauth2"

	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/backend/gemini"
	"github.com/relaymesh/llmproxy/internal/backend/oauthcreds"
	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/httpclient"
	"github.com/relaymesh/llmproxy/internal/perror"
)

const (
	defaultBaseURL  = "https://cloudcodeassist.googleapis.com"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
)

// Config configures a Connector.
type Config struct {
	BaseURL        string // defaults to defaultBaseURL
	CredentialPath string
	ClientID       string
	ClientSecret   string
	TokenURL       string // defaults to defaultTokenURL
}

// Connector wraps a gemini.Connector (OAuth-authorised, forced
// tool-call-finish) and merges a cached discovered project id into every
// outbound request.
type Connector struct {
	name   string
	inner  *gemini.Connector
	client *httpclient.Client
	store  *oauthcreds.Store

	discoverOnce sync.Once
	projectID    string
	discoverErr  error
}

// New builds a Connector.
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
	tokenFunc := func(ctx context.Context) (string, error) {
		f, err := store.Token(ctx)
		if err != nil {
			return "", err
		}
		return f.AccessToken, nil
	}

	return &Connector{
		name:   name,
		inner:  gemini.NewOAuth(name, client, tokenFunc, true),
		client: client,
		store:  store,
	}
}

func (c *Connector) Name() string { return c.name }

// discoverProject performs the one-time Code Assist project lookup,
// caching the result (or the error) for every subsequent call.
func (c *Connector) discoverProject(ctx context.Context) (string, error) {
	c.discoverOnce.Do(func() {
		f, err := c.store.Token(ctx)
		if err != nil {
			c.discoverErr = perror.New(perror.KindAuthFailed, c.name+": token refresh failed", err)
			return
		}
		var result struct {
			CloudaicompanionProject string `json:"cloudaicompanionProject"`
		}
		resp, err := c.client.DoJSON(ctx, httpclient.Request{
			Method:  "POST",
			Path:    "/v1internal:loadCodeAssist",
			Body:    map[string]interface{}{"metadata": map[string]string{}},
			Headers: map[string]string{"Authorization": "Bearer " + f.AccessToken},
		}, &result)
		if err != nil {
			c.discoverErr = perror.New(perror.KindUpstreamTransient, c.name+": project discovery failed", err)
			return
		}
		if resp.StatusCode >= 400 {
			c.discoverErr = perror.New(perror.KindUpstreamTransient, c.name+": project discovery rejected", nil)
			return
		}
		c.projectID = result.CloudaicompanionProject
	})
	return c.projectID, c.discoverErr
}

func (c *Connector) ChatCompletions(ctx context.Context, req canonical.Request, opts backend.CallOptions) (*canonical.Response, canonical.StreamIter, error) {
	projectID, err := c.discoverProject(ctx)
	if err != nil {
		return nil, nil, err
	}
	if projectID != "" {
		rewritten := req.Clone()
		if rewritten.ExtraBody == nil {
			rewritten.ExtraBody = map[string]interface{}{}
		}
		rewritten.ExtraBody["project"] = projectID
		req = rewritten
	}
	return c.inner.ChatCompletions(ctx, req, opts)
}

func (c *Connector) ListModels(ctx context.Context) ([]string, error) {
	return c.inner.ListModels(ctx)
}
