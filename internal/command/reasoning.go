package command

import (
	"fmt"

	"github.com/relaymesh/llmproxy/internal/config"
	"github.com/relaymesh/llmproxy/internal/session"
)

// AliasLookup resolves (model, mode) to a ReasoningMode; satisfied by
// config.ReasoningAliases.Lookup.
type AliasLookup func(model, mode string) (config.ReasoningMode, bool)

// RegisterReasoning wires max/medium/low/no-think against the current
// session's OverrideModel; an explicit model= kwarg, when given, takes
// precedence over it. Per the spec's documented-but-open
// behaviour, a model absent from the alias table leaves the session state
// untouched and returns an error message without invalidating the session.
func RegisterReasoning(r *Registry, lookup AliasLookup, currentModel func(session.State) string) {
	register := func(mode string) {
		r.Register(mode, func(args Args, s session.State) (session.State, string, bool) {
			model := currentModel(s)
			if v, ok := args.Get("model"); ok {
				model = v
			}
			if model == "" {
				return s, "no current model set; use set(model=...) first", true
			}
			_, ok := lookup(model, mode)
			if !ok {
				return s, fmt.Sprintf("no reasoning alias %q configured for model %q", mode, model), true
			}
			s = s.Clone()
			s.ReasoningMode = mode
			return s, fmt.Sprintf("reasoning mode set to %q for %q", mode, model), true
		})
	}

	register("max")
	register("medium")
	register("low")
	register("no-think")
}
