package canonical

// FinishReason is the backend-agnostic reason a choice stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishContent   FinishReason = "content_filter"
)

// Usage carries token accounting. Raw preserves any provider-specific
// breakdown (cache/reasoning tokens) that doesn't fit the three headline
// counters, so a connector never has to drop information to normalise it.
type Usage struct {
	PromptTokens     int                    `json:"promptTokens"`
	CompletionTokens int                    `json:"completionTokens"`
	TotalTokens      int                    `json:"totalTokens"`
	Raw              map[string]interface{} `json:"raw,omitempty"`
}

// Add merges u2 into a copy of u, summing the headline counters.
func (u Usage) Add(u2 Usage) Usage {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
	return u
}

// Warning is a non-fatal note surfaced to callers that want to display it
// (e.g. a dropped unsupported parameter).
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Choice is one candidate completion.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finishReason"`
}

// Response is the canonical shape every backend connector returns for a
// non-streaming call, and that every frontend translator renders into its
// own wire shape.
type Response struct {
	ID                string   `json:"id"`
	Model             string   `json:"model"`
	Created           int64    `json:"created"`
	Object            string   `json:"object,omitempty"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"systemFingerprint,omitempty"`
	Warnings          []Warning `json:"warnings,omitempty"`
}

// ProxyCommandResponseID is the constant sentinel id stamped on a
// synthesised response when the command engine suppresses forwarding, so
// callers can recognise a command-only reply.
const ProxyCommandResponseID = "proxy_cmd_processed"

// ChoiceDelta is the incremental content of one streamed choice.
type ChoiceDelta struct {
	Index        int           `json:"index"`
	Role         Role          `json:"role,omitempty"`
	Content      string        `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta `json:"toolCalls,omitempty"`
	FinishReason *FinishReason `json:"finishReason,omitempty"`
}

// ToolCallDelta is one incremental fragment of a streamed tool call. Index
// ties fragments from the same logical call together; translators must
// accumulate these themselves (the canonical chunk mapper is stateless).
type ToolCallDelta struct {
	Index        int    `json:"index"`
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	ArgumentsFrag string `json:"argumentsFrag,omitempty"`
}

// StreamChunk is one element of a lazy, finite stream terminated by either
// a chunk whose Choices all have a non-nil FinishReason, or an explicit
// Done chunk (the wire-level `[DONE]` sentinel).
type StreamChunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Created int64         `json:"created"`
	Choices []ChoiceDelta `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	Done    bool          `json:"-"`
}

// StreamIter is a lazy, cancellable sequence of StreamChunk. Next returns
// io.EOF (via the error) once the stream is exhausted; callers must call
// Close exactly once when done, cancelled or errored.
type StreamIter interface {
	Next() (StreamChunk, error)
	Close() error
}
