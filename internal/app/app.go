// Package app is the composition root: it takes a loaded *config.Config and
// wires every leaf component from spec §2's table — connectors, the
// dispatch service, the command registry, the response-middleware chain,
// the session store — into one *proxy.Processor. Grounded on spec's own
// Design Notes call for "pass a ServiceProvider (or dependency set)
// explicitly" instead of cyclic config<->service ownership: Services holds
// references downward only, and cmd/proxyd is the only caller of
// NewServices.
package app

import (
	"fmt"
	"regexp"

	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/backend/anthropic"
	"github.com/relaymesh/llmproxy/internal/backend/gemini"
	"github.com/relaymesh/llmproxy/internal/backend/geminicodeassist"
	"github.com/relaymesh/llmproxy/internal/backend/geminioauth"
	"github.com/relaymesh/llmproxy/internal/backend/openai"
	"github.com/relaymesh/llmproxy/internal/backend/openrouter"
	"github.com/relaymesh/llmproxy/internal/backend/qwenoauth"
	"github.com/relaymesh/llmproxy/internal/backend/zai"
	"github.com/relaymesh/llmproxy/internal/command"
	"github.com/relaymesh/llmproxy/internal/config"
	"github.com/relaymesh/llmproxy/internal/dispatch"
	"github.com/relaymesh/llmproxy/internal/proxy"
	"github.com/relaymesh/llmproxy/internal/respmw"
	"github.com/relaymesh/llmproxy/internal/session"
)

// Services bundles every composed component cmd/proxyd's router needs.
// Fields are exported for the router to read (e.g. Sessions.StartSweeper);
// nothing outside this package constructs one piecemeal.
type Services struct {
	Config     *config.Config
	Registry   *backend.Registry
	Sessions   *session.Store
	Commands   *command.Registry
	Middleware *respmw.Chain
	Dispatch   *dispatch.Service
	Processor  *proxy.Processor
}

// agentSignaturePattern matches the plain-text tool-call convention some
// coding agents fall back to when they don't speak native tool_calls;
// grounded on original_source's tool-call-extraction regex family. It
// matches a <tool_call>{...}</tool_call> block and captures the JSON
// object between the tags.
var agentSignaturePattern = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

// NewServices builds the full dependency graph from cfg. Returns an error
// for any fatal construction problem (e.g. an unrecognised default
// backend) — cmd/proxyd treats that as the "fatal configuration error
// before serving" spec §6 assigns a non-zero exit code to.
func NewServices(cfg *config.Config) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := backend.NewRegistry()
	if err := registerConnectors(registry, cfg); err != nil {
		return nil, err
	}

	sessions := session.NewStore(cfg.SessionTTL)

	commands := buildCommandRegistry(cfg)

	middleware := respmw.NewChain(
		respmw.NewRedact(registry.AllKeys()),
		respmw.NewJSONRepair(),
		respmw.NewToolCallExtractor(agentSignaturePattern, "attempt_completion"),
		respmw.NewLoopDetector(respmw.DefaultLoopWindow, respmw.DefaultLoopMinLen, respmw.DefaultLoopRepeats),
		respmw.NewEmptyResponseRetry(),
	)

	limiter := dispatch.NewLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	dispatchSvc := &dispatch.Service{
		Connectors:     registry,
		Limiter:        limiter,
		ModelLimits:    cfg.ModelLimitsFor,
		MaxRetryAfter:  cfg.MaxRetryAfter,
		DefaultBackend: cfg.DefaultBackend,
	}

	processor := &proxy.Processor{
		Sessions:                  sessions,
		Commands:                  commands,
		Dispatch:                  dispatchSvc,
		Middleware:                middleware,
		GlobalRoutes:              cfg.GlobalRoutes,
		ReasoningAliases:          cfg.ReasoningAliases,
		ProjectDirResolutionModel: cfg.ProjectDirResolutionModel,
		MaxRecoveryRetries:        cfg.MaxRecoveryRetries,
	}

	return &Services{
		Config:     cfg,
		Registry:   registry,
		Sessions:   sessions,
		Commands:   commands,
		Middleware: middleware,
		Dispatch:   dispatchSvc,
		Processor:  processor,
	}, nil
}

// buildCommandRegistry wires every handler family (spec §4.C), or
// collapses to a strip-only no-op registry when commands are disabled.
func buildCommandRegistry(cfg *config.Config) *command.Registry {
	prefix := cfg.CommandPrefix
	if prefix == "" {
		prefix = command.DefaultPrefix
	}
	if cfg.CommandsDisabled {
		return command.NoopEngine(prefix)
	}

	r := command.NewRegistry(prefix)
	command.RegisterRouting(r)
	command.RegisterFailover(r)
	command.RegisterMeta(r)
	command.RegisterReasoning(r, cfg.ReasoningAliases.Lookup, currentModel)
	return r
}

// currentModel resolves the model a reasoning-mode command should look up
// against: the session's override model if one is set, otherwise empty
// (the handler then reports "no current model set").
func currentModel(s session.State) string {
	return s.OverrideModel
}

// registerConnectors constructs and registers every backend named in
// spec §2's component E, keyed by the proxy-facing backend name the
// dispatch plan and !/set(backend=...) commands use.
func registerConnectors(registry *backend.Registry, cfg *config.Config) error {
	if bc, ok := cfg.Backends["openai"]; ok {
		registry.Register("openai", openai.New("openai", openai.Config{
			APIKey:  firstKey(bc.APIKeys),
			BaseURL: bc.BaseURL,
		}))
		registry.RegisterKeys("openai", bc.APIKeys)
	}

	if bc, ok := cfg.Backends["openrouter"]; ok {
		registry.Register("openrouter", openrouter.New("openrouter", openrouter.Config{
			APIKey:   firstKey(bc.APIKeys),
			BaseURL:  bc.BaseURL,
			Referer:  bc.Referer,
			AppTitle: bc.AppTitle,
		}))
		registry.RegisterKeys("openrouter", bc.APIKeys)
	}

	if bc, ok := cfg.Backends["anthropic"]; ok {
		registry.Register("anthropic", anthropic.New("anthropic", anthropic.Config{
			APIKey:  firstKey(bc.APIKeys),
			BaseURL: bc.BaseURL,
		}))
		registry.RegisterKeys("anthropic", bc.APIKeys)
	}

	if bc, ok := cfg.Backends["gemini"]; ok {
		registry.Register("gemini", gemini.New("gemini", gemini.Config{
			APIKey:  firstKey(bc.APIKeys),
			BaseURL: bc.BaseURL,
		}))
		registry.RegisterKeys("gemini", bc.APIKeys)
	}

	if bc, ok := cfg.Backends["geminioauth"]; ok && bc.CredentialPath != "" {
		registry.Register("geminioauth", geminioauth.New("geminioauth", geminioauth.Config{
			BaseURL:        bc.BaseURL,
			CredentialPath: bc.CredentialPath,
			ClientID:       bc.ClientID,
			ClientSecret:   bc.ClientSecret,
			TokenURL:       bc.TokenURL,
		}))
	}

	if bc, ok := cfg.Backends["qwenoauth"]; ok && bc.CredentialPath != "" {
		registry.Register("qwenoauth", qwenoauth.New("qwenoauth", qwenoauth.Config{
			BaseURL:        bc.BaseURL,
			CredentialPath: bc.CredentialPath,
			ClientID:       bc.ClientID,
			ClientSecret:   bc.ClientSecret,
			TokenURL:       bc.TokenURL,
		}))
	}

	if bc, ok := cfg.Backends["zai"]; ok && bc.CredentialPath != "" {
		registry.Register("zai", zai.New("zai", zai.Config{
			BaseURL:        bc.BaseURL,
			CredentialPath: bc.CredentialPath,
			ClientID:       bc.ClientID,
			ClientSecret:   bc.ClientSecret,
			TokenURL:       bc.TokenURL,
		}))
	}

	if bc, ok := cfg.Backends["geminicodeassist"]; ok && bc.CredentialPath != "" {
		registry.Register("geminicodeassist", geminicodeassist.New("geminicodeassist", geminicodeassist.Config{
			BaseURL:        bc.BaseURL,
			CredentialPath: bc.CredentialPath,
			ClientID:       bc.ClientID,
			ClientSecret:   bc.ClientSecret,
			TokenURL:       bc.TokenURL,
		}))
	}

	if _, err := registry.Get(cfg.DefaultBackend); err != nil {
		return fmt.Errorf("app: default backend %q has no registered connector (missing API key?): %w", cfg.DefaultBackend, err)
	}
	return nil
}

func firstKey(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
