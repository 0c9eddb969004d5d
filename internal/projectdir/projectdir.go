// Package projectdir implements the project-directory resolver
// (SPEC_FULL.md §4.I, supplementing a dropped feature spec.md's data model
// names but never elaborates): on a session's first turn, when a
// resolution model is configured, issue one additional non-streaming
// backend call asking the model to infer the absolute project directory
// from the user's opening prompt, and parse its fixed-shape XML reply.
// Grounded directly on original_source's
// project_directory_resolution_service.py — the same system prompt, the
// same "directory-resolution-response" XML contract, the same
// absolute-path sniffing rules — reimplemented as a pure-ish function over
// this proxy's dispatch.Service instead of a stateful asyncio service
// object. A miss is silent — this is additive plumbing, never a
// precondition for any operation.
package projectdir

import (
	"context"
	"encoding/xml"
	"strings"

	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/dispatch"
)

// systemPrompt is verbatim-equivalent to the original service's fixed
// instruction: answer only in the XML shapes below, no commentary.
const systemPrompt = "You examine the user's initial instructions to determine the absolute " +
	"project directory path they intend to work with. Respond using the " +
	"exact XML formats shown below.\n" +
	"If the directory can be determined:\n" +
	"<directory-resolution-response>\n" +
	"<project-absolute-directory>PATH_HERE</project-absolute-directory>\n" +
	"</directory-resolution-response>\n" +
	"If the directory cannot be determined:\n" +
	"<directory-resolution-response>\n" +
	"<error>SHORT_REASON</error>\n" +
	"</directory-resolution-response>\n" +
	"Rules:\n" +
	"- Do not execute, simulate, or reason about running any tools or commands.\n" +
	"- Operate strictly in a headless, non-interactive environment.\n" +
	"- Communicate only via the XML response; no commentary or markdown.\n"

// directoryResolutionResponse mirrors the XML root the resolution model is
// instructed to reply with. xml.Unmarshal rejects a mismatched root
// element name via XMLName, giving the same "unexpected root tag" miss the
// original's ElementTree walk produced.
type directoryResolutionResponse struct {
	XMLName                  xml.Name `xml:"directory-resolution-response"`
	ProjectAbsoluteDirectory string   `xml:"project-absolute-directory"`
	Error                    string   `xml:"error"`
}

// Resolve dispatches the first-turn directory-inference call described in
// SPEC_FULL.md §4.I. modelSpec is a "backend:model" pair (empty disables
// the resolver); promptText is the last user message's text. ok is false
// for every kind of miss — a disabled resolver, an empty prompt, a
// dispatch failure, a streaming response, unparsable XML, an <error>
// reply, or a reply that isn't an absolute path — callers treat any miss
// as "leave projectDir unset", never as an error to surface to the client.
func Resolve(ctx context.Context, disp *dispatch.Service, modelSpec, promptText string) (dir string, ok bool) {
	if disp == nil || modelSpec == "" {
		return "", false
	}
	promptText = strings.TrimSpace(promptText)
	if promptText == "" {
		return "", false
	}

	req := canonical.Request{
		Model: modelSpec,
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Text: systemPrompt},
			{Role: canonical.RoleUser, Text: promptText},
		},
	}

	// allowFailover=false: this is a single fixed-model probe, not a
	// user-facing call subject to the failover route machinery.
	resp, stream, _, err := disp.Call(ctx, req, dispatch.Routes{}, nil, false)
	if err != nil || resp == nil || stream != nil || len(resp.Choices) == 0 {
		return "", false
	}

	return parseDirectoryResponse(resp.Choices[0].Message.Text)
}

// LastUserText returns the text of the last user-role message in messages,
// normalising a multi-part message to its concatenated text parts — the
// prompt text Resolve's caller extracts before the command engine's own
// stripping runs, matching the original's "reversed(request.messages)"
// walk.
func LastUserText(messages []canonical.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != canonical.RoleUser {
			continue
		}
		if m.Text != "" {
			return m.Text
		}
		var parts []string
		for _, p := range m.Parts {
			if tp, ok := p.(canonical.TextPart); ok && tp.Text != "" {
				parts = append(parts, tp.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

func parseDirectoryResponse(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	var parsed directoryResolutionResponse
	if err := xml.Unmarshal([]byte(text), &parsed); err != nil {
		return "", false
	}

	candidate := strings.TrimSpace(parsed.ProjectAbsoluteDirectory)
	if candidate == "" || !looksLikeAbsolutePath(candidate) {
		return "", false
	}
	return candidate, true
}

// looksLikeAbsolutePath mirrors _looks_like_absolute_path: a leading "/",
// a UNC "\\\\" prefix, or a Windows drive letter ("C:\").
func looksLikeAbsolutePath(value string) bool {
	if value == "" || strings.ContainsAny(value, "\n\r") {
		return false
	}
	if strings.HasPrefix(value, "/") {
		return true
	}
	if strings.HasPrefix(value, `\\`) {
		return true
	}
	if len(value) >= 3 && isASCIILetter(value[0]) && value[1] == ':' && value[2] == '\\' {
		return true
	}
	return false
}

func isASCIILetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}
