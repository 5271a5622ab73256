package hall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hall-labs/hall/internal/account"
	"github.com/hall-labs/hall/internal/llm"
)

// Resolver selects the account a tool call executes against.
type Resolver interface {
	Resolve(userID, explicitID, provider string) (*account.Account, error)
}

const toolCallTimeout = 30 * time.Second

// Executor runs tool calls requested by the model. Execute never returns
// a Go error: every failure is folded into an error-shaped ToolResult so
// the model sees it and can recover or report it.
type Executor struct {
	registry *Registry
	accounts Resolver
	timeout  time.Duration
}

// NewExecutor wires the catalog to an account resolver.
func NewExecutor(registry *Registry, accounts Resolver) *Executor {
	return &Executor{registry: registry, accounts: accounts, timeout: toolCallTimeout}
}

// ListTools returns the model-facing catalog.
func (e *Executor) ListTools() []llm.ToolDefinition {
	return e.registry.List()
}

// Execute runs one tool call on behalf of userID. The result always
// carries the call's correlation id. Side effects run to completion even
// if the caller's context is cancelled mid-call.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall, userID string) llm.ToolResult {
	start := time.Now()

	t, ok := e.registry.lookup(call.Name)
	if !ok {
		return errorResult(call.ID, fmt.Sprintf("Unknown tool: %s", call.Name))
	}

	input := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &input); err != nil {
			return errorResult(call.ID, fmt.Sprintf("invalid tool input: %v", err))
		}
	}
	if err := requireArgs(input, t.definition.Required...); err != nil {
		return errorResult(call.ID, err.Error())
	}

	acct, err := e.accounts.Resolve(userID, strArg(input, "accountId"), t.provider)
	if err != nil {
		return errorResult(call.ID, accountErrorMessage(err))
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	payload, runErr := t.run(runCtx, acct.ID, input)

	result := llm.ToolResult{ToolCallID: call.ID}
	switch {
	case runErr != nil:
		result.IsError = true
		result.Content = errorPayload(runErr.Error())
	default:
		b, merr := json.Marshal(payload)
		if merr != nil {
			result.IsError = true
			result.Content = errorPayload(fmt.Sprintf("encode tool result: %v", merr))
		} else {
			result.Content = string(b)
		}
	}

	slog.Info("tool call",
		"tool", call.Name,
		"user", userID,
		"duration", time.Since(start).Round(time.Millisecond),
		"is_error", result.IsError)

	return result
}

// accountErrorMessage maps resolution failures onto the fixed wordings
// the model is prompted to relay.
func accountErrorMessage(err error) string {
	switch {
	case errors.Is(err, account.ErrNoAccount):
		return "No active account found. Please connect an account first."
	case errors.Is(err, account.ErrNotFound):
		return "Account not found"
	default:
		return err.Error()
	}
}

func errorPayload(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

func errorResult(callID, msg string) llm.ToolResult {
	return llm.ToolResult{ToolCallID: callID, Content: errorPayload(msg), IsError: true}
}
