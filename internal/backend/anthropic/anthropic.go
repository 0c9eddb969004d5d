// Package anthropic implements the backend.Connector contract against the
// Anthropic Messages API. Adapted from pkg/providers/anthropic/
// provider.go's header-building (x-api-key/anthropic-version) and
// language_model.go's DoGenerate/DoStream shape, trimmed to the fields
// internal/translate/anthropic maps.
package anthropic

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
	wire "github.com/relaymesh/llmproxy/internal/translate/anthropic"
)

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultAPIVersion = "2023-06-01"
)

// Config configures a Connector.
type Config struct {
	APIKey     string
	BaseURL    string // defaults to defaultBaseURL
	APIVersion string // defaults to defaultAPIVersion
	Metadata   map[string]interface{}
}

// Connector talks to Anthropic's Messages endpoint.
type Connector struct {
	name     string
	client   *httpclient.Client
	metadata map[string]interface{}
}

// New builds a Connector.
func New(name string, cfg Config) *Connector {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	headers := map[string]string{
		"x-api-key":         cfg.APIKey,
		"anthropic-version": apiVersion,
	}
	return &Connector{
		name:     name,
		client:   httpclient.NewClient(httpclient.Config{BaseURL: baseURL, Headers: headers}),
		metadata: cfg.Metadata,
	}
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) ChatCompletions(ctx context.Context, req canonical.Request, opts backend.CallOptions) (*canonical.Response, canonical.StreamIter, error) {
	body := wire.FromCanonicalRequest(req, c.metadata)

	reqHeaders := map[string]string{}
	if opts.APIKey != "" {
		reqHeaders["x-api-key"] = opts.APIKey
	}

	if req.Stream {
		httpResp, err := c.client.DoStream(ctx, httpclient.Request{
			Method:  http.MethodPost,
			Path:    "/v1/messages",
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
		Path:    "/v1/messages",
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
	resp, err := c.client.DoJSON(ctx, httpclient.Request{Method: http.MethodGet, Path: "/v1/models"}, &result)
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
	done bool
}

func newStream(body io.ReadCloser) *stream {
	return &stream{body: body, p: sse.NewParser(body)}
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
		if event.Data == "" {
			continue
		}
		chunk, ok, err := wire.StreamEventToChunk(event.Event, []byte(event.Data))
		if err != nil {
			return canonical.StreamChunk{}, err
		}
		if !ok {
			continue
		}
		if chunk.Done {
			s.done = true
			return chunk, io.EOF
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
