package respmw

import (
	"context"
	"regexp"
	"strings"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

const redactedPlaceholder = "(API_KEY_HAS_BEEN_REDACTED)"

// commandLeakPattern strips any residual "!/command" substring from
// forwarded text as defence in depth, in case the command engine missed
// it (e.g. a key registered after the engine ran).
var commandLeakPattern = regexp.MustCompile(`!/[A-Za-z0-9_-]+(?:\([^)]*\))?`)

// Redact replaces any registered API key in outbound message text with a
// placeholder, and strips residual command syntax. Grounded on the
// teacher's text-transform middleware shape (middleware.ExtractJSONMiddleware's
// defaultJSONTransform): a pure string transform applied uniformly to
// generate and stream paths.
type Redact struct {
	keys []string
}

// NewRedact builds a Redact stage for the given set of registered API
// keys. Keys are sorted longest-first so a key that is a substring of
// another is never half-redacted.
func NewRedact(keys []string) *Redact {
	sorted := append([]string(nil), keys...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && len(sorted[j]) > len(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return &Redact{keys: sorted}
}

func (r *Redact) Name() string { return "redact" }

func (r *Redact) transform(text string) string {
	for _, k := range r.keys {
		if k == "" {
			continue
		}
		text = strings.ReplaceAll(text, k, redactedPlaceholder)
	}
	return commandLeakPattern.ReplaceAllString(text, "")
}

func (r *Redact) OnResponse(ctx context.Context, resp *canonical.Response) (*canonical.Response, *RetryError) {
	for i, choice := range resp.Choices {
		resp.Choices[i].Message.Text = r.transform(choice.Message.Text)
	}
	return resp, nil
}

func (r *Redact) OnStreamChunk(ctx context.Context, chunk canonical.StreamChunk, state any) ([]canonical.StreamChunk, any, bool) {
	for i, d := range chunk.Choices {
		chunk.Choices[i].Content = r.transform(d.Content)
	}
	return []canonical.StreamChunk{chunk}, state, false
}
