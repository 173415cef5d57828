package contract

import (
	"github.com/cloudwego/eino/schema"
)

// ToolRequest is one invocation requested by the planner. ID correlates the
// eventual tool-result message back to the originating tool call; Invalid is
// set when the request was malformed at the planner boundary (bad JSON args)
// and must be answered with an error tool-result instead of being executed.
type ToolRequest struct {
	ID      string         `json:"id"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Invalid string         `json:"invalid,omitempty"`
}

// ToolResult is the payload carried by a tool-result message. Exactly one of
// Result or Error is populated.
type ToolResult struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Decision is a single planner step outcome: either a final reply
// (no tool requests) or a batch of tool requests to dispatch.
type Decision struct {
	Reply        string
	ToolRequests []ToolRequest

	// Assistant is the raw model message, appended to the conversation
	// verbatim so the transcript replays exactly what the planner saw.
	Assistant *schema.Message
}

// Final reports whether the decision terminates the turn loop.
func (d Decision) Final() bool {
	return len(d.ToolRequests) == 0
}
