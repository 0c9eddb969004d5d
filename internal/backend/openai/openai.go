// Package openai implements the backend.Connector contract against the
// OpenAI Chat Completions API. Adapted from pkg/providers/openai/
// {provider.go,language_model.go}: same header-building and client shape,
// generalised from the teacher's provider.LanguageModel interface onto
// backend.Connector, and with the streaming tool-call accumulator the
// teacher's DoStream left as a TODO now implemented in
// internal/translate/openai.
package openai

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/httpclient"
	"github.com/relaymesh/llmproxy/internal/perror"
	"github.com/relaymesh/llmproxy/internal/sse"
	wire "github.com/relaymesh/llmproxy/internal/translate/openai"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures a Connector.
type Config struct {
	APIKey       string
	BaseURL      string // defaults to defaultBaseURL
	Organization string
	Project      string
}

// Connector talks to OpenAI's Chat Completions endpoint.
type Connector struct {
	name   string
	client *httpclient.Client
}

// New builds a Connector under the given registry name (so OpenRouter and
// other OpenAI-compatible backends can reuse this implementation under
// their own name and base URL).
func New(name string, cfg Config) *Connector {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	headers := map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}
	if cfg.Organization != "" {
		headers["OpenAI-Organization"] = cfg.Organization
	}
	if cfg.Project != "" {
		headers["OpenAI-Project"] = cfg.Project
	}
	return &Connector{
		name:   name,
		client: httpclient.NewClient(httpclient.Config{BaseURL: baseURL, Headers: headers}),
	}
}

// NewWithClient builds a Connector around an already-configured
// httpclient.Client, for backends (OpenRouter, ZAI) that need extra
// default headers this package doesn't know about.
func NewWithClient(name string, client *httpclient.Client) *Connector {
	return &Connector{name: name, client: client}
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) ChatCompletions(ctx context.Context, req canonical.Request, opts backend.CallOptions) (*canonical.Response, canonical.StreamIter, error) {
	body := wire.FromCanonicalRequest(req)

	reqHeaders := map[string]string{}
	if opts.APIKey != "" {
		reqHeaders["Authorization"] = "Bearer " + opts.APIKey
	}

	if req.Stream {
		httpResp, err := c.client.DoStream(ctx, httpclient.Request{
			Method:  http.MethodPost,
			Path:    "/chat/completions",
			Body:    body,
			Headers: reqHeaders,
		})
		if err != nil {
			return nil, nil, mapError(c.name, err)
		}
		return nil, newStream(httpResp.Body), nil
	}

	resp, err := c.client.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/chat/completions",
		Body:    body,
		Headers: reqHeaders,
	})
	if err != nil {
		return nil, nil, mapError(c.name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, nil, mapStatus(c.name, resp.StatusCode, resp.Body, resp.Headers)
	}

	canResp, err := wire.ToCanonicalResponse(resp.Body)
	if err != nil {
		return nil, nil, perror.Internal(err)
	}
	return canResp, nil, nil
}

func (c *Connector) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	resp, err := c.client.DoJSON(ctx, httpclient.Request{Method: http.MethodGet, Path: "/models"}, &result)
	if err != nil {
		return nil, mapError(c.name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, mapStatus(c.name, resp.StatusCode, resp.Body, resp.Headers)
	}
	ids := make([]string, len(result.Data))
	for i, m := range result.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

type stream struct {
	body io.ReadCloser
	p    *sse.Parser
	acc  *wire.StreamAccumulator
	done bool
}

func newStream(body io.ReadCloser) *stream {
	return &stream{body: body, p: sse.NewParser(body), acc: wire.NewStreamAccumulator()}
}

func (s *stream) Next() (canonical.StreamChunk, error) {
	if s.done {
		return canonical.StreamChunk{}, io.EOF
	}
	for {
		event, err := s.p.Next()
		if err != nil {
			return canonical.StreamChunk{}, err
		}
		if sse.IsDone(event) {
			s.done = true
			return canonical.StreamChunk{Done: true}, io.EOF
		}
		if event.Data == "" {
			continue
		}
		chunk, err := s.acc.ToCanonicalChunk([]byte(event.Data))
		if err != nil {
			return canonical.StreamChunk{}, err
		}
		return chunk, nil
	}
}

func (s *stream) Close() error { return s.body.Close() }

func mapError(backendName string, err error) error {
	if se, ok := err.(*httpclient.StatusError); ok {
		return mapStatus(backendName, se.StatusCode, se.Body, se.Headers)
	}
	return perror.New(perror.KindUpstreamTransient, backendName+": request failed", err)
}

func mapStatus(backendName string, status int, body []byte, headers http.Header) error {
	switch {
	case status == 401 || status == 403:
		return perror.New(perror.KindAuthFailed, backendName+": authentication failed", nil)
	case status == 429:
		var retryAfter *time.Duration
		if v := headers.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				d := time.Duration(secs) * time.Second
				retryAfter = &d
			}
		}
		return perror.RateLimited(backendName+": rate limited", retryAfter, nil)
	case status == 404:
		return perror.New(perror.KindModelNotSupported, backendName+": model not found", nil)
	case status == 400:
		return perror.InvalidRequest("upstream_rejected", backendName+": "+string(body))
	case status >= 500:
		return perror.New(perror.KindUpstreamTransient, backendName+": upstream error", nil)
	default:
		return perror.New(perror.KindUpstreamTransient, backendName+": unexpected status "+strconv.Itoa(status), nil)
	}
}
