package respmw

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

// JSONRepair buffers streamed text that looks like JSON and, if the
// completed body fails to parse, attempts a deterministic structural
// repair (balance braces/brackets, close unterminated strings) before
// re-emitting the whole repaired body as a single delta ahead of the
// terminal chunk.
//
// The teacher's two closest relatives both stop short of this: pkg/middleware's
// ExtractJSONMiddleware only strips markdown fences, and pkg/ai.DefaultToolCallRepair
// only round-trips json.Marshal/Unmarshal, explicitly punting on structural
// fixes ("For now, return the original error if we can't fix it"). JSONRepair
// reuses both files' buffering/fallback shape but performs the repair spec
// actually asks for.
type JSONRepair struct{}

func NewJSONRepair() *JSONRepair { return &JSONRepair{} }

func (j *JSONRepair) Name() string { return "json_repair" }

// OnResponse repairs each choice whose text looks like JSON but does not
// parse: the same operation as the streaming flush path, applied eagerly
// to a one-shot response.
func (j *JSONRepair) OnResponse(ctx context.Context, resp *canonical.Response) (*canonical.Response, *RetryError) {
	for i, choice := range resp.Choices {
		text := choice.Message.Text
		if !looksLikeJSON(text) {
			continue
		}
		if json.Valid([]byte(text)) {
			continue
		}
		resp.Choices[i].Message.Text = RepairJSON(text)
	}
	return resp, nil
}

type jsonRepairState struct {
	buffer strings.Builder
}

func (j *JSONRepair) OnStreamChunk(ctx context.Context, chunk canonical.StreamChunk, state any) ([]canonical.StreamChunk, any, bool) {
	st, _ := state.(*jsonRepairState)
	if st == nil {
		st = &jsonRepairState{}
	}

	var emit []canonical.StreamChunk
	isTerminal := false
	for _, d := range chunk.Choices {
		if d.Content != "" {
			st.buffer.WriteString(d.Content)
		}
		if d.FinishReason != nil {
			isTerminal = true
		}
	}

	if !isTerminal {
		// Buffer silently; nothing is emitted until we know the whole body,
		// since a prefix of malformed JSON can't be judged in isolation.
		return nil, st, false
	}

	body := st.buffer.String()
	if looksLikeJSON(body) && !json.Valid([]byte(body)) {
		body = RepairJSON(body)
	}

	if body != "" {
		emit = append(emit, canonical.StreamChunk{
			ID:      chunk.ID,
			Model:   chunk.Model,
			Created: chunk.Created,
			Choices: []canonical.ChoiceDelta{{Content: body}},
		})
	}
	emit = append(emit, chunk)
	return emit, &jsonRepairState{}, false
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return s[0] == '{' || s[0] == '['
}

// RepairJSON performs a deterministic, non-semantic repair of a truncated
// JSON body: closes any open string, then closes open brackets/braces in
// LIFO order. It never reorders or reinterprets content — it only appends
// the minimum closing tokens needed for the body to parse.
func RepairJSON(body string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	trimmed := strings.TrimRight(body, " \t\n\r")
	if !inString && strings.HasSuffix(trimmed, ",") {
		trimmed = trimmed[:len(trimmed)-1]
	}

	var b strings.Builder
	b.WriteString(trimmed)

	if inString {
		b.WriteByte('"')
	}

	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			b.WriteByte('}')
		case '[':
			b.WriteByte(']')
		}
	}

	return b.String()
}
