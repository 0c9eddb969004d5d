package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmproxy/internal/session"
)

func clearBackendEnv(t *testing.T) {
	t.Helper()
	for _, prefix := range backendEnvPrefixes {
		os.Unsetenv(prefix + "_API_KEY")
		os.Unsetenv(prefix + "_BASE_URL")
	}
}

func TestLoad_DefaultsWhenNoEnvOrYAML(t *testing.T) {
	clearBackendEnv(t)
	os.Unsetenv("LLM_BACKEND")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.DefaultBackend)
	assert.Equal(t, "!/", cfg.CommandPrefix)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.False(t, cfg.CommandsDisabled)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearBackendEnv(t)
	os.Setenv("LLM_BACKEND", "anthropic")
	os.Setenv("OPENAI_API_KEY", "sk-test-1")
	os.Setenv("OPENAI_API_KEY_2", "sk-test-2")
	defer os.Unsetenv("LLM_BACKEND")
	defer os.Unsetenv("OPENAI_API_KEY")
	defer os.Unsetenv("OPENAI_API_KEY_2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.DefaultBackend)
	assert.Equal(t, []string{"sk-test-1", "sk-test-2"}, cfg.Backends["openai"].APIKeys)
}

func TestLoad_YAMLOverlayFillsFailoverRoutesAndModelLimits(t *testing.T) {
	clearBackendEnv(t)
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "llmproxy.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
failover_routes:
  - name: cheap
    policy: m
    elements: ["openai:gpt-4o-mini", "openrouter:llama-3"]
model_limits:
  - backend: openai
    model: gpt-4o-mini
    max_input_tokens: 128000
    max_output_tokens: 4096
provider_base_urls:
  openai: https://custom.example/v1
`), 0o644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	route, ok := cfg.GlobalRoutes["cheap"]
	require.True(t, ok)
	assert.Equal(t, "m", route.Policy)
	assert.Equal(t, []string{"openai:gpt-4o-mini", "openrouter:llama-3"}, route.OrderedElements)

	limits := cfg.ModelLimitsFor("openai", "gpt-4o-mini")
	assert.Equal(t, 128000, limits.MaxInputTokens)
	assert.Equal(t, 4096, limits.MaxOutputTokens)

	assert.Equal(t, "https://custom.example/v1", cfg.Backends["openai"].BaseURL)
}

func TestValidate_RejectsUnknownDefaultBackend(t *testing.T) {
	clearBackendEnv(t)
	cfg := &Config{DefaultBackend: "not-a-real-backend"}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyFailoverRoute(t *testing.T) {
	clearBackendEnv(t)
	cfg := &Config{
		DefaultBackend: "openai",
		GlobalRoutes: map[string]session.Route{
			"broken": {Name: "broken", Policy: "k"},
		},
	}
	assert.Error(t, cfg.Validate())
}
