package respmw

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/relaymesh/llmproxy/internal/canonical"
)

// ToolCallExtractor detects an agent's plain-text tool-call signature in
// the aggregate assistant text and, on detection, suppresses the text and
// emits an equivalent toolCalls delta with a fresh id. State-machine shape
// (buffer, scan for tag, switch mode) grounded on the teacher's
// middleware.ExtractReasoningMiddleware, retargeted from an XML reasoning
// tag to a configurable function-call signature.
type ToolCallExtractor struct {
	pattern  *regexp.Regexp
	toolName func(match []string) string
}

// NewToolCallExtractor builds an extractor matching pattern; the matched
// submatch is interpreted as the tool's JSON arguments and toolName names
// the tool the whole match maps to.
func NewToolCallExtractor(pattern *regexp.Regexp, toolName string) *ToolCallExtractor {
	return &ToolCallExtractor{
		pattern:  pattern,
		toolName: func([]string) string { return toolName },
	}
}

func (t *ToolCallExtractor) Name() string { return "tool_call_extractor" }

func (t *ToolCallExtractor) extract(text string) (canonical.Message, bool) {
	m := t.pattern.FindStringSubmatch(text)
	if m == nil {
		return canonical.Message{}, false
	}
	argsJSON := text
	if len(m) > 1 {
		argsJSON = m[1]
	}
	return canonical.Message{
		Role: canonical.RoleAssistant,
		ToolCalls: []canonical.ToolCall{{
			ID:        uuid.NewString(),
			Name:      t.toolName(m),
			Arguments: strings.TrimSpace(argsJSON),
		}},
	}, true
}

func (t *ToolCallExtractor) OnResponse(ctx context.Context, resp *canonical.Response) (*canonical.Response, *RetryError) {
	for i, choice := range resp.Choices {
		if msg, ok := t.extract(choice.Message.Text); ok {
			msg.Role = choice.Message.Role
			resp.Choices[i].Message = msg
			resp.Choices[i].FinishReason = canonical.FinishToolCalls
		}
	}
	return resp, nil
}

type toolExtractState struct {
	buffer strings.Builder
}

func (t *ToolCallExtractor) OnStreamChunk(ctx context.Context, chunk canonical.StreamChunk, state any) ([]canonical.StreamChunk, any, bool) {
	st, _ := state.(*toolExtractState)
	if st == nil {
		st = &toolExtractState{}
	}

	isTerminal := false
	for _, d := range chunk.Choices {
		st.buffer.WriteString(d.Content)
		if d.FinishReason != nil {
			isTerminal = true
		}
	}

	if !isTerminal {
		return nil, st, false
	}

	msg, ok := t.extract(st.buffer.String())
	if !ok {
		// No signature found; emit the buffered text verbatim followed by
		// the terminal chunk.
		var emit []canonical.StreamChunk
		if st.buffer.Len() > 0 {
			emit = append(emit, canonical.StreamChunk{
				ID: chunk.ID, Model: chunk.Model, Created: chunk.Created,
				Choices: []canonical.ChoiceDelta{{Content: st.buffer.String()}},
			})
		}
		emit = append(emit, chunk)
		return emit, &toolExtractState{}, false
	}

	toolFinish := canonical.FinishToolCalls
	deltas := make([]canonical.ToolCallDelta, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		deltas[i] = canonical.ToolCallDelta{Index: i, ID: tc.ID, Name: tc.Name, ArgumentsFrag: tc.Arguments}
	}
	out := canonical.StreamChunk{
		ID: chunk.ID, Model: chunk.Model, Created: chunk.Created,
		Choices: []canonical.ChoiceDelta{{ToolCalls: deltas, FinishReason: &toolFinish}},
	}
	return []canonical.StreamChunk{out}, &toolExtractState{}, false
}
