package command

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/relaymesh/llmproxy/internal/canonical"
)

// ClineCompletionTool is the tool name the "cline" agent expects a
// command reply to be delivered through, instead of plain assistant text
// (which the agent otherwise drops).
const ClineCompletionTool = "attempt_completion"

// RenderReply builds the assistant Message a command's reply is wrapped
// in. When agent == "cline" and the caller used the OpenAI protocol
// (isOpenAIProtocol), the reply is emitted as a tool_calls message
// invoking ClineCompletionTool rather than plain text.
func RenderReply(reply, agent string, isOpenAIProtocol bool) canonical.Message {
	if agent == "cline" && isOpenAIProtocol {
		argsJSON, _ := json.Marshal(map[string]string{"result": reply})
		return canonical.Message{
			Role: canonical.RoleAssistant,
			ToolCalls: []canonical.ToolCall{{
				ID:        uuid.NewString(),
				Name:      ClineCompletionTool,
				Arguments: string(argsJSON),
			}},
		}
	}
	return canonical.Message{Role: canonical.RoleAssistant, Text: reply}
}
