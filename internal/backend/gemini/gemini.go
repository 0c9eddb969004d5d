// Package gemini implements the backend.Connector contract against the
// Gemini GenerateContent API using an x-goog-api-key. Adapted from
// pkg/providers/google/language_model.go's buildRequestBody/
// convertResponse/googleStream shape, generalised onto backend.Connector
// and completing the spec-required synthetic usage chunk that the
// teacher's googleStream.Next never computes.
package gemini

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
	"github.com/relaymesh/llmproxy/internal/tokenest"
	wire "github.com/relaymesh/llmproxy/internal/translate/gemini"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Config configures a Connector.
type Config struct {
	APIKey  string
	BaseURL string // defaults to defaultBaseURL

	// ForceToolCallFinish mirrors spec's Gemini Code-Assist stream
	// override: force finishReason=tool_calls whenever a streamed
	// candidate carries functionCall parts. False for the plain API-key
	// connector; geminicodeassist sets true via NewOAuth.
	ForceToolCallFinish bool
}

// TokenFunc fetches a live bearer token for an OAuth-flavoured Gemini
// backend, called once per request rather than cached here (the token's
// own refresh-and-persist cycle lives in internal/backend/oauthcreds).
type TokenFunc func(ctx context.Context) (string, error)

// Connector talks to the Gemini GenerateContent/streamGenerateContent
// endpoints.
type Connector struct {
	name                string
	client              *httpclient.Client
	apiKey              string
	tokenFunc           TokenFunc
	forceToolCallFinish bool
}

// New builds a Connector under the given registry name.
func New(name string, cfg Config) *Connector {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Connector{
		name:   name,
		client: httpclient.NewClient(httpclient.Config{BaseURL: baseURL}),
		apiKey: cfg.APIKey,

		forceToolCallFinish: cfg.ForceToolCallFinish,
	}
}

// NewWithClient builds a Connector around an already-configured
// httpclient.Client. The Connector it returns has neither an API key nor
// a token function, so it sends no credential header of its own.
func NewWithClient(name string, client *httpclient.Client, forceToolCallFinish bool) *Connector {
	return &Connector{name: name, client: client, forceToolCallFinish: forceToolCallFinish}
}

// NewOAuth builds a Connector whose bearer token is fetched from
// tokenFunc on every call instead of sent as a static x-goog-api-key,
// for the Gemini-OAuth and Code-Assist backends.
func NewOAuth(name string, client *httpclient.Client, tokenFunc TokenFunc, forceToolCallFinish bool) *Connector {
	return &Connector{name: name, client: client, tokenFunc: tokenFunc, forceToolCallFinish: forceToolCallFinish}
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) ChatCompletions(ctx context.Context, req canonical.Request, opts backend.CallOptions) (*canonical.Response, canonical.StreamIter, error) {
	body := wire.FromCanonicalRequest(req)

	query := map[string]string{}
	headers := map[string]string{}
	if c.tokenFunc != nil {
		token, err := c.tokenFunc(ctx)
		if err != nil {
			return nil, nil, perror.New(perror.KindAuthFailed, c.name+": token refresh failed", err)
		}
		headers["Authorization"] = "Bearer " + token
	} else {
		apiKey := c.apiKey
		if opts.APIKey != "" {
			apiKey = opts.APIKey
		}
		if apiKey != "" {
			headers["x-goog-api-key"] = apiKey
		}
	}

	if req.Stream {
		query["alt"] = "sse"
		httpResp, err := c.client.DoStream(ctx, httpclient.Request{
			Method:  http.MethodPost,
			Path:    "/v1beta/models/" + req.Model + ":streamGenerateContent",
			Body:    body,
			Headers: headers,
			Query:   query,
		})
		if err != nil {
			return nil, nil, mapError(c.name, err)
		}
		st := newStream(httpResp.Body, c.forceToolCallFinish)
		st.req = req
		return nil, st, nil
	}

	resp, err := c.client.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/v1beta/models/" + req.Model + ":generateContent",
		Body:    body,
		Headers: headers,
		Query:   query,
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
	if canResp.Usage.TotalTokens == 0 {
		canResp.Usage = syntheticUsage(req, canResp)
	}
	return canResp, nil, nil
}

func (c *Connector) ListModels(ctx context.Context) ([]string, error) {
	headers := map[string]string{}
	if c.tokenFunc != nil {
		token, err := c.tokenFunc(ctx)
		if err != nil {
			return nil, perror.New(perror.KindAuthFailed, c.name+": token refresh failed", err)
		}
		headers["Authorization"] = "Bearer " + token
	} else {
		headers["x-goog-api-key"] = c.apiKey
	}
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	resp, err := c.client.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodGet,
		Path:    "/v1beta/models",
		Headers: headers,
	}, &result)
	if err != nil {
		return nil, mapError(c.name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, mapStatus(c.name, resp.StatusCode, resp.Body, resp.Headers)
	}
	ids := make([]string, len(result.Models))
	for i, m := range result.Models {
		ids[i] = m.Name
	}
	return ids, nil
}

// syntheticUsage computes a deterministic token estimate for responses
// whose upstream omitted usageMetadata, per spec §4.E's "Gemini (API-key)"
// connector requirement.
func syntheticUsage(req canonical.Request, resp *canonical.Response) canonical.Usage {
	prompt := tokenest.CountMessages(req.Messages)
	var completion int
	if len(resp.Choices) > 0 {
		completion = tokenest.CountCompletion(resp.Choices[0].Message.Text)
	}
	return canonical.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

type stream struct {
	body                io.ReadCloser
	p                   *sse.Parser
	acc                 *wire.StreamAccumulator
	forceToolCallFinish bool
	done                bool

	// synthetic-usage bookkeeping: emitted once as a penultimate chunk
	// when no chunk ever carried usageMetadata (spec's "emits a synthetic
	// penultimate chunk carrying usage before the terminal [DONE]").
	sawUsage      bool
	completionAcc string
	pendingFinal  *canonical.StreamChunk
	req           canonical.Request
}

func newStream(body io.ReadCloser, forceToolCallFinish bool) *stream {
	return &stream{body: body, p: sse.NewParser(body), acc: wire.NewStreamAccumulator(), forceToolCallFinish: forceToolCallFinish}
}

func (s *stream) Next() (canonical.StreamChunk, error) {
	if s.pendingFinal != nil {
		chunk := *s.pendingFinal
		s.pendingFinal = nil
		s.done = true
		return chunk, io.EOF
	}
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
		chunk, err := s.acc.ToCanonicalChunk([]byte(event.Data), s.forceToolCallFinish)
		if err != nil {
			return canonical.StreamChunk{}, err
		}
		if chunk.Usage != nil {
			s.sawUsage = true
		}
		for _, d := range chunk.Choices {
			s.completionAcc += d.Content
			if d.FinishReason != nil && !s.sawUsage {
				usage := syntheticUsage(s.req, &canonical.Response{Choices: []canonical.Choice{{Message: canonical.Message{Text: s.completionAcc}}}})
				final := chunk
				s.pendingFinal = &canonical.StreamChunk{ID: chunk.ID, Model: chunk.Model, Usage: &usage}
				return final, nil
			}
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
