// Package openrouter implements the backend.Connector contract against
// OpenRouter's OpenAI-compatible completions endpoint. OpenRouter's wire
// format is the OpenAI Chat Completions shape with two extra attribution
// headers, so this wraps internal/backend/openai rather than
// reimplementing the protocol — grounded on the teacher's provider
// composition (each pkg/providers/* provider owns a Config + New, not a
// shared base type), generalised here into thin construction over the
// shared connector instead of duplicating it.
package openrouter

import (
	"github.com/relaymesh/llmproxy/internal/backend/openai"
	"github.com/relaymesh/llmproxy/internal/httpclient"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Config configures a Connector.
type Config struct {
	APIKey    string
	BaseURL   string // defaults to defaultBaseURL
	Referer   string // sent as HTTP-Referer, OpenRouter's app-attribution header
	AppTitle  string // sent as X-Title
}

// New builds an OpenRouter connector backed by internal/backend/openai's
// request/response mapping.
func New(name string, cfg Config) *openai.Connector {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	headers := map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}
	if cfg.Referer != "" {
		headers["HTTP-Referer"] = cfg.Referer
	}
	if cfg.AppTitle != "" {
		headers["X-Title"] = cfg.AppTitle
	}
	client := httpclient.NewClient(httpclient.Config{BaseURL: baseURL, Headers: headers})
	return openai.NewWithClient(name, client)
}
