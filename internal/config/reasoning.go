package config

// ReasoningMode is a named bundle of sampling and prompt-wrapping
// parameters tied to one specific model, e.g. the "max" alias for
// "gemini-2.5-pro". Shape grounded on original_source's
// ReasoningAliasesConfig (reasoning_aliases_config.py): per-model map of
// mode name -> settings, loaded from YAML.
type ReasoningMode struct {
	MaxReasoningTokens *int     `yaml:"max_reasoning_tokens"`
	ReasoningEffort    string   `yaml:"reasoning_effort"`
	UserPromptPrefix   string   `yaml:"user_prompt_prefix"`
	UserPromptSuffix   string   `yaml:"user_prompt_suffix"`
	Temperature        *float64 `yaml:"temperature"`
	TopP               *float64 `yaml:"top_p"`
}

// ModelReasoningAliases holds every named mode for one model.
type ModelReasoningAliases struct {
	Model string                   `yaml:"model"`
	Modes map[string]ReasoningMode `yaml:"modes"`
}

// ReasoningAliases is the root of the reasoning_aliases.yaml file: a flat
// list of per-model alias tables, looked up by model name.
type ReasoningAliases struct {
	Settings []ModelReasoningAliases `yaml:"reasoning_alias_settings"`
}

// Lookup returns the ReasoningMode for (model, mode), and whether it was
// found. A model absent from the table, or a mode absent for that model,
// both report ok=false; callers surface an error to the user without
// invalidating the session (see DESIGN.md open-question decision).
func (a ReasoningAliases) Lookup(model, mode string) (ReasoningMode, bool) {
	for _, m := range a.Settings {
		if m.Model != model {
			continue
		}
		rm, ok := m.Modes[mode]
		return rm, ok
	}
	return ReasoningMode{}, false
}
