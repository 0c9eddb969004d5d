package respmw

import (
	"context"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

const recoveryPrompt = "Please provide a valid response."

// EmptyResponseRetry raises a RetryError when the fully assembled response
// has empty content and no tool calls, carrying the recovery user message
// spec names verbatim. The request processor is the only place that acts
// on RetryError (appends the recovery message and re-dispatches, bounded
// by maxRecoveryRetries).
type EmptyResponseRetry struct{}

func NewEmptyResponseRetry() *EmptyResponseRetry { return &EmptyResponseRetry{} }

func (e *EmptyResponseRetry) Name() string { return "empty_response_retry" }

func isEmpty(m canonical.Message) bool {
	return m.Text == "" && len(m.Parts) == 0 && len(m.ToolCalls) == 0
}

func (e *EmptyResponseRetry) OnResponse(ctx context.Context, resp *canonical.Response) (*canonical.Response, *RetryError) {
	if len(resp.Choices) == 0 || isEmpty(resp.Choices[0].Message) {
		return resp, &RetryError{Reason: "empty_response", RecoveryPrompt: recoveryPrompt}
	}
	return resp, nil
}

type emptyRetryState struct {
	sawContent bool
}

// OnStreamChunk only records in its state whether any content/tool-call
// content was observed and passes every chunk through. Nothing reads that
// record: a streaming response is never judged empty and never retried.
func (e *EmptyResponseRetry) OnStreamChunk(ctx context.Context, chunk canonical.StreamChunk, state any) ([]canonical.StreamChunk, any, bool) {
	st, _ := state.(*emptyRetryState)
	if st == nil {
		st = &emptyRetryState{}
	}
	for _, d := range chunk.Choices {
		if d.Content != "" || len(d.ToolCalls) > 0 {
			st.sawContent = true
		}
	}
	return []canonical.StreamChunk{chunk}, st, false
}
