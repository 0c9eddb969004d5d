// Package tokenest provides a deterministic token-count approximation used
// both for Gemini's synthetic usage chunk (when upstream omits
// usageMetadata) and for the backend service's input-size enforcement.
// Deliberately not a real BPE tokenizer: spec only requires the estimate
// be deterministic, not exact.
package tokenest

import (
	"strings"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

// charsPerToken is a rough English-text average; good enough for a
// fail-fast size check, never for billing.
const charsPerToken = 4

// CountText estimates the token count of a single text blob.
func CountText(s string) int {
	if s == "" {
		return 0
	}
	n := (len(s) + charsPerToken - 1) / charsPerToken
	if n < 1 {
		return 1
	}
	return n
}

// CountMessages estimates the total prompt token count across a canonical
// message list, including text parts and tool-call argument JSON.
func CountMessages(messages []canonical.Message) int {
	total := 0
	for _, m := range messages {
		total += CountText(m.Text)
		for _, p := range m.Parts {
			if tp, ok := p.(canonical.TextPart); ok {
				total += CountText(tp.Text)
			}
		}
		for _, tc := range m.ToolCalls {
			total += CountText(tc.Arguments)
		}
		total += 3 // role/name/framing overhead, per message
	}
	return total
}

// CountCompletion estimates completion tokens from the assembled response
// text, for synthesising a usage block when upstream omits one.
func CountCompletion(text string) int {
	return CountText(text)
}

// Join is a small helper for assembling streamed text before estimating;
// kept here so callers don't need strings.Builder boilerplate at call
// sites that just want a quick estimate of N fragments.
func Join(fragments []string) string {
	return strings.Join(fragments, "")
}
