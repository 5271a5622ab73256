package hall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hall-labs/hall/internal/account"
	"github.com/hall-labs/hall/internal/llm"
)

const systemPrompt = `You are Hall, an assistant integrated into a unified communication dashboard. You help users manage their emails, calendar, tasks, SMS, WhatsApp messages, and contacts across multiple accounts.

When users ask you to perform actions, use the appropriate tools. Be concise and helpful.
For any action that modifies data (sending, creating, updating), confirm with the user first.`

const (
	// maxToolRounds caps model round trips inside a single user turn.
	maxToolRounds = 10
	// maxTurnDuration bounds one Converse call end to end.
	maxTurnDuration = 5 * time.Minute
)

// fallbackReply is returned when the round cap is reached. The turn is
// degraded, not failed: history up to the cap is preserved.
const fallbackReply = "I wasn't able to complete that request within the allowed number of tool calls. Please try again with a smaller or more specific request."

const emptyReply = "I apologize, but I was unable to generate a response."

// AccountLister supplies the connected-accounts summary appended to the
// system prompt.
type AccountLister interface {
	ActiveForUser(userID string) ([]account.Account, error)
}

// Archiver records final user/assistant exchanges. Best effort; the loop
// never fails on archive errors.
type Archiver interface {
	Record(ctx context.Context, conversationID, userID, role, content string)
}

// Loop drives the tool-calling conversation: model turn, tool execution,
// result turn, repeat until the model answers in plain text or the round
// cap is hit.
type Loop struct {
	provider llm.Provider
	executor *Executor
	sessions *Sessions
	accounts AccountLister
	events   *EventBus // optional
	archive  Archiver  // optional

	maxTokens   int
	temperature float64
}

// LoopConfig tunes model parameters. Zero values use provider defaults.
type LoopConfig struct {
	MaxTokens   int
	Temperature float64
}

// NewLoop assembles a conversation loop. events and archive may be nil.
func NewLoop(provider llm.Provider, executor *Executor, sessions *Sessions, accounts AccountLister, events *EventBus, archive Archiver, cfg LoopConfig) *Loop {
	return &Loop{
		provider:    provider,
		executor:    executor,
		sessions:    sessions,
		accounts:    accounts,
		events:      events,
		archive:     archive,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Converse runs one user turn. An empty conversationID starts a fresh
// conversation; the id actually used is always returned so callers can
// continue it. On model transport failure the error is returned and the
// history accumulated so far stays cached.
func (l *Loop) Converse(ctx context.Context, userID, conversationID, message string) (string, string, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	unlock := l.sessions.Lock(conversationID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, maxTurnDuration)
	defer cancel()

	turns := l.sessions.Get(conversationID)
	turns = append(turns, llm.TextTurn("user", message))

	l.publish(Event{Type: EventChat, ConversationID: conversationID, Role: "user", Content: message})
	l.record(ctx, conversationID, userID, "user", message)

	req := llm.CompletionRequest{
		System:      systemPrompt + l.accountContext(userID),
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	}

	tp, ok := l.provider.(llm.ToolProvider)
	if !ok {
		return l.plainConverse(ctx, conversationID, userID, req, turns)
	}

	catalog := l.executor.ListTools()

	for round := 0; round < maxToolRounds; round++ {
		resp, err := tp.CompleteWithTools(ctx, req, catalog, turns)
		if err != nil {
			l.sessions.Put(conversationID, turns)
			return "", conversationID, fmt.Errorf("model round %d: %w", round+1, err)
		}

		if resp.StopReason != "tool_use" || len(resp.ToolCalls) == 0 {
			reply := strings.TrimSpace(resp.Content)
			if reply == "" {
				reply = emptyReply
			}
			turns = append(turns, llm.TextTurn("assistant", reply))
			l.sessions.Put(conversationID, turns)
			l.publish(Event{Type: EventChat, ConversationID: conversationID, Role: "assistant", Content: reply})
			l.record(ctx, conversationID, userID, "assistant", reply)
			return reply, conversationID, nil
		}

		turns = append(turns, assistantTurn(resp))

		// Execute every requested call before resuming the model.
		// One failing call never blocks its siblings.
		resultBlocks := make([]llm.ContentBlock, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			result := l.executor.Execute(ctx, call, userID)
			l.publish(Event{Type: EventTool, ConversationID: conversationID, Tool: call.Name})
			resultBlocks = append(resultBlocks, llm.ContentBlock{Type: "tool_result", ToolResult: &result})
		}
		turns = append(turns, llm.ToolMessage{Role: "user", Content: resultBlocks})
	}

	slog.Warn("tool round cap reached", "conversation", conversationID, "user", userID)
	turns = append(turns, llm.TextTurn("assistant", fallbackReply))
	l.sessions.Put(conversationID, turns)
	l.publish(Event{Type: EventChat, ConversationID: conversationID, Role: "assistant", Content: fallbackReply})
	l.record(ctx, conversationID, userID, "assistant", fallbackReply)
	return fallbackReply, conversationID, nil
}

// plainConverse handles providers without tool support. Tool plumbing in
// the cached history is flattened to its text.
func (l *Loop) plainConverse(ctx context.Context, conversationID, userID string, req llm.CompletionRequest, turns []llm.ToolMessage) (string, string, error) {
	for _, t := range turns {
		if text := t.PlainText(); text != "" {
			req.Messages = append(req.Messages, llm.Message{Role: t.Role, Content: text})
		}
	}

	resp, err := l.provider.Complete(ctx, req)
	if err != nil {
		l.sessions.Put(conversationID, turns)
		return "", conversationID, fmt.Errorf("model completion: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		reply = emptyReply
	}
	turns = append(turns, llm.TextTurn("assistant", reply))
	l.sessions.Put(conversationID, turns)
	l.publish(Event{Type: EventChat, ConversationID: conversationID, Role: "assistant", Content: reply})
	l.record(ctx, conversationID, userID, "assistant", reply)
	return reply, conversationID, nil
}

// assistantTurn preserves the model's reply verbatim, text blocks and
// tool_use blocks in their original order.
func assistantTurn(resp *llm.CompletionResponse) llm.ToolMessage {
	var blocks []llm.ContentBlock
	if resp.Content != "" {
		blocks = append(blocks, llm.ContentBlock{Type: "text", Text: resp.Content})
	}
	for i := range resp.ToolCalls {
		call := resp.ToolCalls[i]
		blocks = append(blocks, llm.ContentBlock{Type: "tool_use", ToolCall: &call})
	}
	return llm.ToolMessage{Role: "assistant", Content: blocks}
}

// accountContext summarizes the user's connected accounts for the system
// prompt so the model knows what it can act on.
func (l *Loop) accountContext(userID string) string {
	accounts, err := l.accounts.ActiveForUser(userID)
	if err != nil {
		slog.Warn("list accounts for prompt", "user", userID, "error", err)
		return ""
	}
	if len(accounts) == 0 {
		return "\n\nUser has no connected accounts yet."
	}
	names := make([]string, len(accounts))
	for i, a := range accounts {
		names[i] = fmt.Sprintf("%s (%s)", a.Name, a.Provider)
	}
	return fmt.Sprintf("\n\nUser has %d connected account(s): %s", len(accounts), strings.Join(names, ", "))
}

func (l *Loop) publish(e Event) {
	if l.events != nil {
		l.events.Publish(e)
	}
}

func (l *Loop) record(ctx context.Context, conversationID, userID, role, content string) {
	if l.archive != nil {
		l.archive.Record(ctx, conversationID, userID, role, content)
	}
}
