package respmw

import (
	"context"
	"strings"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

// DefaultLoopWindow, DefaultLoopMinLen and DefaultLoopRepeats are spec's
// stated defaults: a 2048-byte sliding window, and a repeated substring of
// at least DefaultLoopMinLen bytes repeating >= DefaultLoopRepeats times.
const (
	DefaultLoopWindow    = 2048
	DefaultLoopMinLen    = 32
	DefaultLoopRepeats   = 3
)

// LoopDetector maintains a sliding window of the most recent assistant
// text and terminates the stream if a substring repeats too often within
// it. The sliding-window trim algorithm (append, then trim from the left
// down to max_size) is grounded on original_source's ResponseBuffer
// (src/loop_detection/buffer.py).
type LoopDetector struct {
	window   int
	minLen   int
	repeats  int
}

// NewLoopDetector builds a detector with the given window size, minimum
// repeated-substring length, and repeat threshold. Zero values fall back
// to the spec-stated defaults.
func NewLoopDetector(window, minLen, repeats int) *LoopDetector {
	if window <= 0 {
		window = DefaultLoopWindow
	}
	if minLen <= 0 {
		minLen = DefaultLoopMinLen
	}
	if repeats <= 0 {
		repeats = DefaultLoopRepeats
	}
	return &LoopDetector{window: window, minLen: minLen, repeats: repeats}
}

func (l *LoopDetector) Name() string { return "loop_detector" }

// OnResponse is a no-op: loop detection is a streaming-only concern (a
// finished non-streaming response has already fully arrived).
func (l *LoopDetector) OnResponse(ctx context.Context, resp *canonical.Response) (*canonical.Response, *RetryError) {
	return resp, nil
}

type loopDetectState struct {
	buffer string
}

func (l *LoopDetector) append(buf string, text string) string {
	buf += text
	if excess := len(buf) - l.window; excess > 0 {
		buf = buf[excess:]
	}
	return buf
}

// repeated reports whether buf contains a substring of length >= minLen
// that occurs >= repeats times.
func (l *LoopDetector) repeated(buf string) bool {
	if len(buf) < l.minLen*l.repeats {
		return false
	}
	for start := 0; start+l.minLen <= len(buf); start++ {
		candidate := buf[start : start+l.minLen]
		count := strings.Count(buf[start:], candidate)
		if count >= l.repeats {
			return true
		}
	}
	return false
}

func (l *LoopDetector) OnStreamChunk(ctx context.Context, chunk canonical.StreamChunk, state any) ([]canonical.StreamChunk, any, bool) {
	st, _ := state.(*loopDetectState)
	if st == nil {
		st = &loopDetectState{}
	}

	for _, d := range chunk.Choices {
		if d.Content == "" {
			continue
		}
		st.buffer = l.append(st.buffer, d.Content)
	}

	if l.repeated(st.buffer) {
		length := canonical.FinishLength
		terminal := canonical.StreamChunk{
			ID: chunk.ID, Model: chunk.Model, Created: chunk.Created,
			Choices: []canonical.ChoiceDelta{{FinishReason: &length}},
		}
		return []canonical.StreamChunk{terminal}, st, true
	}

	return []canonical.StreamChunk{chunk}, st, false
}
