// Package httpclient is the HTTP client every backend connector shares
// (spec §5). Adapted from pkg/internal/http/client.go's Client/Config/Do
// shape; duplicated rather than imported because that package lives under
// <module>/pkg/internal/http, and Go's internal-package visibility rule
// restricts its importers to code under <module>/pkg/ — internal/backend/*
// cannot see it.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultHTTPClient is shared by every Client that doesn't supply its own,
// tuned for many concurrent upstream calls with keep-alive reuse.
var DefaultHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Headers    map[string]string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a minimal JSON/SSE HTTP client wrapping a base URL and a set of
// default headers (auth, org/project, etc).
type Client struct {
	client  *http.Client
	baseURL string
	headers map[string]string
}

// NewClient builds a Client, falling back to DefaultHTTPClient when cfg
// supplies neither a custom client nor a timeout.
func NewClient(cfg Config) *Client {
	c := cfg.HTTPClient
	if c == nil {
		if cfg.Timeout > 0 {
			c = &http.Client{Timeout: cfg.Timeout}
		} else {
			c = DefaultHTTPClient
		}
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &Client{client: c, baseURL: cfg.BaseURL, headers: headers}
}

// Request describes one HTTP call relative to the client's base URL.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    interface{}
	Query   map[string]string
}

// Response is a fully-drained HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

func (c *Client) buildURL(req Request) string {
	u := c.baseURL + req.Path
	if len(req.Query) == 0 {
		return u
	}
	q := url.Values{}
	for k, v := range req.Query {
		q.Set(k, v)
	}
	return u + "?" + q.Encode()
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.buildURL(req), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}

	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// Do performs req and drains the response body.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpclient: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body: %w", err)
	}

	return &Response{StatusCode: httpResp.StatusCode, Headers: httpResp.Header, Body: body}, nil
}

// DoJSON performs req and decodes the JSON body into result. Non-2xx
// statuses are returned as-is in Response along with a nil error; callers
// that need taxonomy-aware handling call Do directly and inspect StatusCode.
func (c *Client) DoJSON(ctx context.Context, req Request, result interface{}) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return resp, nil
	}
	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return resp, fmt.Errorf("httpclient: decode response: %w", err)
		}
	}
	return resp, nil
}

// DoStream performs req and returns the live *http.Response for the caller
// to read as an event stream. The caller must close Body. Non-2xx statuses
// are drained and returned as an error.
func (c *Client) DoStream(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpclient: request failed: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		errBody, _ := io.ReadAll(httpResp.Body)
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: errBody, Headers: httpResp.Header}
	}
	return httpResp, nil
}

// StatusError reports a non-2xx HTTP response, carrying enough detail for
// a connector to map it onto the proxy's error taxonomy (status code,
// Retry-After header, response body for provider-specific error shapes).
type StatusError struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpclient: HTTP %d: %s", e.StatusCode, string(e.Body))
}
