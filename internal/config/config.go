// Package config loads the process-wide configuration SPEC_FULL.md §1.1
// calls for: environment variables (optionally pre-loaded from a .env file
// via godotenv, the pack's consistent choice for this), plus a companion
// YAML file for anything that isn't a secret — the reasoning-alias table,
// seeded failover routes, model context-window limits and provider base-URL
// overrides. fsnotify watches that YAML file and the OAuth credential
// directory so config can be hot-reloaded without a restart, per spec §5's
// "hot-reloaded only via explicit config reload."
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/relaymesh/llmproxy/internal/dispatch"
	"github.com/relaymesh/llmproxy/internal/session"
)

// defaultCommandPrefix mirrors internal/command.DefaultPrefix; duplicated
// as a literal rather than imported because internal/command imports this
// package for AliasLookup and a back-import would cycle.
const defaultCommandPrefix = "!/"

// BackendConfig configures one upstream connector: its registered API keys
// (for the "k"/"km"/"mk" rotation policies), base-URL override, and — for
// the OAuth-flavoured backends — the on-disk credential file and OAuth
// client registration.
type BackendConfig struct {
	Type           string // openai | openrouter | anthropic | gemini | geminioauth | qwenoauth | zai | geminicodeassist
	APIKeys        []string
	BaseURL        string
	CredentialPath string
	ClientID       string
	ClientSecret   string
	TokenURL       string
	Referer        string // OpenRouter HTTP-Referer
	AppTitle       string // OpenRouter X-Title
}

// ModelLimit is one row of the YAML model_limits table, consulted by
// internal/dispatch's input-size enforcement (spec §4.F).
type ModelLimit struct {
	Backend         string `yaml:"backend"`
	Model           string `yaml:"model"`
	MaxInputTokens  int    `yaml:"max_input_tokens"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// Config is the fully resolved process configuration: environment
// variables layered under the optional YAML overlay.
type Config struct {
	DisableAuth      bool
	DefaultBackend   string
	CommandPrefix    string
	CommandsDisabled bool

	ThinkingBudgetOverride *int
	ProxyTimeout           time.Duration
	SessionTTL             time.Duration
	ListenAddr             string

	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxRetryAfter      time.Duration
	MaxRecoveryRetries int

	// ProjectDirResolutionModel, if non-empty, names the "backend:model"
	// pair internal/projectdir dispatches its first-turn directory-inference
	// call against; empty disables the resolver entirely.
	ProjectDirResolutionModel string

	Backends     map[string]BackendConfig
	GlobalRoutes map[string]session.Route
	ModelLimits  []ModelLimit

	ReasoningAliases ReasoningAliases

	yamlPath string
}

// backendEnvPrefixes lists every backend this repo wires a connector for,
// and the environment-variable prefix its *_API_KEY[_n] family and other
// settings use.
var backendEnvPrefixes = map[string]string{
	"openai":           "OPENAI",
	"openrouter":       "OPENROUTER",
	"anthropic":        "ANTHROPIC",
	"gemini":           "GEMINI",
	"geminioauth":      "GEMINI_OAUTH",
	"qwenoauth":        "QWEN_OAUTH",
	"zai":              "ZAI",
	"geminicodeassist": "GEMINI_CODE_ASSIST",
}

// Load reads environment variables (pre-loaded from an optional .env file
// at the working directory, per the pack's godotenv convention) and, if
// yamlPath is non-empty and exists, overlays the YAML file described above.
// A missing .env is not an error; a yamlPath that does not exist is only an
// error if explicitly given and unreadable for a reason other than absence.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DisableAuth:               envBool("DISABLE_AUTH", false),
		DefaultBackend:            envString("LLM_BACKEND", "openai"),
		CommandPrefix:             envString("COMMAND_PREFIX", defaultCommandPrefix),
		ProxyTimeout:              envDuration("PROXY_TIMEOUT", 120*time.Second),
		SessionTTL:                envDuration("SESSION_TTL", 30*time.Minute),
		ListenAddr:                envString("LISTEN_ADDR", ":8080"),
		RateLimitPerSecond:        envFloat("RATE_LIMIT_PER_SECOND", 2.0),
		RateLimitBurst:            envInt("RATE_LIMIT_BURST", 5),
		MaxRetryAfter:             envDuration("MAX_RETRY_AFTER", 60*time.Second),
		MaxRecoveryRetries:        envInt("MAX_RECOVERY_RETRIES", 1),
		ProjectDirResolutionModel: envString("PROJECT_DIR_RESOLUTION_MODEL", ""),
		CommandsDisabled:          envBool("DISABLE_COMMANDS", false),
		Backends:                  map[string]BackendConfig{},
		GlobalRoutes:              map[string]session.Route{},
		yamlPath:                  yamlPath,
	}

	if v, ok := os.LookupEnv("THINKING_BUDGET"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ThinkingBudgetOverride = &n
		}
	}

	for name, prefix := range backendEnvPrefixes {
		cfg.Backends[name] = loadBackendConfig(name, prefix)
	}

	if yamlPath != "" {
		if _, err := os.Stat(yamlPath); err == nil {
			if err := cfg.overlayYAML(yamlPath); err != nil {
				return nil, fmt.Errorf("config: loading %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", yamlPath, err)
		}
	}

	return cfg, nil
}

// Validate reports a fatal configuration error — the kind cmd/proxyd's
// launcher exits non-zero on before ever calling ListenAndServe.
func (c *Config) Validate() error {
	if c.DefaultBackend == "" {
		return fmt.Errorf("config: LLM_BACKEND must name a default backend")
	}
	if _, ok := backendEnvPrefixes[c.DefaultBackend]; !ok {
		return fmt.Errorf("config: LLM_BACKEND %q is not a backend this proxy knows how to construct", c.DefaultBackend)
	}
	for name, rt := range c.GlobalRoutes {
		if len(rt.OrderedElements) == 0 {
			return fmt.Errorf("config: failover route %q has no elements", name)
		}
	}
	return nil
}

// ModelLimitsFor implements dispatch.ModelLimitsFor against the YAML
// model_limits table.
func (c *Config) ModelLimitsFor(backendName, model string) dispatch.ModelLimits {
	for _, m := range c.ModelLimits {
		if m.Backend == backendName && m.Model == model {
			return dispatch.ModelLimits{MaxInputTokens: m.MaxInputTokens, MaxOutputTokens: m.MaxOutputTokens}
		}
	}
	return dispatch.ModelLimits{}
}

// Watch starts an fsnotify watch over the config's YAML file and the given
// OAuth credential directories, invoking onReload with a freshly Load-ed
// Config whenever any of them changes. The returned Watcher must be closed
// by the caller (cmd/proxyd does so on shutdown).
func Watch(yamlPath string, credentialDirs []string, onReload func(*Config, error)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting watcher: %w", err)
	}

	dirs := map[string]bool{}
	if yamlPath != "" {
		dirs[filepath.Dir(yamlPath)] = true
	}
	for _, d := range credentialDirs {
		if d != "" {
			dirs[d] = true
		}
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return nil, fmt.Errorf("config: watching %s: %w", d, err)
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(yamlPath)
				onReload(cfg, err)
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

// fileConfig is the YAML overlay's root shape.
type fileConfig struct {
	ReasoningAliasSettings []ModelReasoningAliases `yaml:"reasoning_alias_settings"`
	FailoverRoutes         []routeSeed             `yaml:"failover_routes"`
	ModelLimits            []ModelLimit            `yaml:"model_limits"`
	ProviderBaseURLs       map[string]string       `yaml:"provider_base_urls"`
}

type routeSeed struct {
	Name     string   `yaml:"name"`
	Policy   string   `yaml:"policy"`
	Elements []string `yaml:"elements"`
}

func (c *Config) overlayYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return err
	}

	c.ReasoningAliases = ReasoningAliases{Settings: fc.ReasoningAliasSettings}

	for _, rs := range fc.FailoverRoutes {
		c.GlobalRoutes[rs.Name] = session.Route{Name: rs.Name, Policy: rs.Policy, OrderedElements: rs.Elements}
	}

	c.ModelLimits = fc.ModelLimits

	for name, url := range fc.ProviderBaseURLs {
		b := c.Backends[name]
		b.BaseURL = url
		c.Backends[name] = b
	}

	return nil
}

func loadBackendConfig(name, prefix string) BackendConfig {
	bc := BackendConfig{
		Type:           name,
		APIKeys:        apiKeyFamily(prefix),
		BaseURL:        envString(prefix+"_BASE_URL", ""),
		CredentialPath: envString(prefix+"_CREDENTIALS_PATH", defaultCredentialPath(name)),
		ClientID:       envString(prefix+"_CLIENT_ID", ""),
		ClientSecret:   envString(prefix+"_CLIENT_SECRET", ""),
		TokenURL:       envString(prefix+"_TOKEN_URL", ""),
	}
	if name == "openrouter" {
		bc.Referer = envString("OPENROUTER_REFERER", "")
		bc.AppTitle = envString("OPENROUTER_APP_TITLE", "")
	}
	return bc
}

// defaultCredentialPath mirrors the well-known on-disk locations spec §6
// names for the OAuth-flavoured backends (e.g. "~/.qwen/oauth_creds.json").
func defaultCredentialPath(name string) string {
	home, _ := os.UserHomeDir()
	switch name {
	case "geminioauth", "geminicodeassist":
		return filepath.Join(home, ".gemini", "oauth_creds.json")
	case "qwenoauth":
		return filepath.Join(home, ".qwen", "oauth_creds.json")
	case "zai":
		return filepath.Join(home, ".zai", "oauth_creds.json")
	default:
		return ""
	}
}

// apiKeyFamily reads the "*_API_KEY[_n]" family spec §6 contracts:
// PREFIX_API_KEY, then PREFIX_API_KEY_2, PREFIX_API_KEY_3, ... stopping at
// the first gap.
func apiKeyFamily(prefix string) []string {
	var keys []string
	if v := os.Getenv(prefix + "_API_KEY"); v != "" {
		keys = append(keys, v)
	}
	for i := 2; ; i++ {
		v := os.Getenv(prefix + "_API_KEY_" + strconv.Itoa(i))
		if v == "" {
			break
		}
		keys = append(keys, v)
	}
	return keys
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}
