// Package command implements the in-band "!/" control-directive language:
// parsing a `!/name(args)` token out of message text, executing its handler
// against session state, and stripping the matched (and any further)
// occurrences before the message list is forwarded upstream.
package command

import (
	"regexp"
	"strings"

	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/session"
)

// DefaultPrefix is the command prefix used unless configured otherwise.
const DefaultPrefix = "!/"

// Match is one recognised command occurrence.
type Match struct {
	Name     string
	Args     Args
	Raw      string // the exact matched substring, for stripping
	Executed bool   // true only for the first match in the request
}

// Args is the parsed (k=v, ...) or single positional argument list.
type Args struct {
	Positional string
	KV         map[string]string
}

// Get returns the named kwarg, falling back to the positional value when
// no kwargs were given at all (so `set(foo)` and `set(key=foo)` can share
// a handler where that makes sense).
func (a Args) Get(key string) (string, bool) {
	if a.KV != nil {
		if v, ok := a.KV[key]; ok {
			return v, true
		}
		return "", false
	}
	if a.Positional != "" {
		return a.Positional, true
	}
	return "", false
}

// Handler executes one command against the current session state and
// returns the new state, a user-visible reply, and whether the request
// should be suppressed from reaching a backend entirely.
type Handler func(args Args, s session.State) (newState session.State, reply string, suppress bool)

// Registry maps command name -> Handler.
type Registry struct {
	Prefix   string
	handlers map[string]Handler
	disabled bool
}

// NewRegistry builds an empty registry with the given prefix (DefaultPrefix
// if empty).
func NewRegistry(prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry{Prefix: prefix, handlers: map[string]Handler{}}
}

// NoopEngine returns a registry with no handlers: commands are still
// recognised and stripped (defence in depth) but never executed, matching
// spec's "commands may be globally disabled by configuration; in that case
// the engine is a no-op stripper."
func NoopEngine(prefix string) *Registry {
	r := NewRegistry(prefix)
	r.disabled = true
	return r
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

func (r *Registry) pattern() *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(r.Prefix) + `([A-Za-z0-9_-]+)(?:\(([^)]*)\))?`)
}

// parseArgs splits a raw "(...)" capture into kwargs or a single
// positional value. "k=v, k2=v2" -> KV; anything else -> Positional.
func parseArgs(raw string) Args {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Args{}
	}
	if strings.Contains(raw, "=") {
		kv := map[string]string{}
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			kvPair := strings.SplitN(part, "=", 2)
			if len(kvPair) != 2 {
				continue
			}
			kv[strings.TrimSpace(kvPair[0])] = strings.TrimSpace(kvPair[1])
		}
		if len(kv) > 0 {
			return Args{KV: kv}
		}
	}
	return Args{Positional: raw}
}

// Outcome is the result of running the engine once over a request's
// message list.
type Outcome struct {
	Messages        []canonical.Message
	NewState        session.State
	Reply           string
	SuppressForward bool
	Matched         bool
}

// Run scans messages in order, left-to-right within each message's text,
// for `prefix+name(args)` tokens. At most one command is executed (first
// match wins); all further matches are stripped but not executed. If
// stripping empties a message entirely, that message is removed from the
// list.
func (r *Registry) Run(messages []canonical.Message, s session.State) Outcome {
	pat := r.pattern()
	state := s
	executed := false
	var reply string
	var suppress bool
	matchedAny := false

	out := make([]canonical.Message, 0, len(messages))
	for _, msg := range messages {
		newMsg, msgMatched := r.stripMessage(msg, pat, &executed, &state, &reply, &suppress)
		if msgMatched {
			matchedAny = true
		}
		if newMsg != nil {
			out = append(out, *newMsg)
		}
	}

	return Outcome{
		Messages:        out,
		NewState:        state,
		Reply:           reply,
		SuppressForward: suppress,
		Matched:         matchedAny,
	}
}

func (r *Registry) stripMessage(
	msg canonical.Message,
	pat *regexp.Regexp,
	executed *bool,
	state *session.State,
	reply *string,
	suppress *bool,
) (*canonical.Message, bool) {
	matched := false

	stripText := func(text string) string {
		locs := pat.FindAllStringSubmatchIndex(text, -1)
		if locs == nil {
			return text
		}
		matched = true
		var b strings.Builder
		last := 0
		for _, loc := range locs {
			start, end := loc[0], loc[1]
			name := text[loc[2]:loc[3]]
			argsRaw := ""
			if loc[4] != -1 {
				argsRaw = text[loc[4]:loc[5]]
			}
			b.WriteString(text[last:start])
			last = end

			if *executed || r.disabled {
				continue // strip only, do not execute further matches
			}
			*executed = true

			h, ok := r.handlers[name]
			if !ok {
				*reply = "unknown command: " + name
				*suppress = true
				continue
			}
			newState, msgReply, sup := h(parseArgs(argsRaw), *state)
			*state = newState
			*reply = msgReply
			*suppress = sup
		}
		b.WriteString(text[last:])
		return strings.TrimSpace(b.String())
	}

	newMsg := msg.Clone()
	if newMsg.Text != "" {
		newMsg.Text = stripText(newMsg.Text)
	}
	if len(newMsg.Parts) > 0 {
		parts := make([]canonical.Part, 0, len(newMsg.Parts))
		for _, p := range newMsg.Parts {
			if tp, ok := p.(canonical.TextPart); ok {
				tp.Text = stripText(tp.Text)
				if tp.Text == "" {
					continue
				}
				parts = append(parts, tp)
				continue
			}
			parts = append(parts, p)
		}
		newMsg.Parts = parts
	}

	if !newMsg.HasContent() {
		return nil, matched
	}
	return &newMsg, matched
}
