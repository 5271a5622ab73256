// Package llm provides the model provider interfaces and implementations
// that drive Hall's conversational assistant.
package llm

import "context"

// Message represents a plain chat message.
type Message struct {
	Role    string `json:"role"`    // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for a model completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the model's response.
type CompletionResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StopReason   string     `json:"stop_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// Provider is the interface for model providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ToolProvider extends Provider with tool-use completions. The turn log
// passed to CompleteWithTools carries the full tool conversation —
// assistant turns with tool_use blocks and user turns with tool_result
// blocks — exactly as the model produced and expects them back.
type ToolProvider interface {
	Provider
	CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, turns []ToolMessage) (*CompletionResponse, error)
}

// ProviderError represents a model provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}
