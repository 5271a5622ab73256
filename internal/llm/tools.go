package llm

import (
	"encoding/json"
)

// ToolDefinition describes a tool the model can call. Definitions are
// built at process start and never mutated.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Required    []string               `json:"required,omitempty"`
}

// ToolCall represents the model requesting a tool execution. ID is the
// model-assigned correlation id and must be echoed back exactly once on
// the matching ToolResult.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the result of executing a tool. Content is always a
// JSON-serializable payload — a success value or {"error": message}.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ContentBlock is one element of a structured conversation turn.
type ContentBlock struct {
	Type       string      `json:"type"` // text, tool_use, tool_result
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolMessage is a single conversation turn: a user or assistant role
// with an ordered sequence of content blocks.
type ToolMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextTurn builds a plain-text turn for the given role.
func TextTurn(role, text string) ToolMessage {
	return ToolMessage{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}

// PlainText returns the concatenated text blocks of a turn, or "" when
// the turn carries only tool plumbing.
func (m ToolMessage) PlainText() string {
	var out string
	for _, b := range m.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
