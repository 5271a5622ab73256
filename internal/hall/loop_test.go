package hall

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hall-labs/hall/internal/gateway"
	"github.com/hall-labs/hall/internal/llm"
)

// fakeToolProvider plays back a script of responses, one per round, and
// records the turn log it was handed each round.
type fakeToolProvider struct {
	script []*llm.CompletionResponse
	err    error

	rounds int
	seen   [][]llm.ToolMessage
}

func (f *fakeToolProvider) Name() string { return "fake" }

func (f *fakeToolProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: "plain reply", StopReason: "end_turn"}, f.err
}

func (f *fakeToolProvider) CompleteWithTools(ctx context.Context, req llm.CompletionRequest, tools []llm.ToolDefinition, turns []llm.ToolMessage) (*llm.CompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}

	copied := make([]llm.ToolMessage, len(turns))
	copy(copied, turns)
	f.seen = append(f.seen, copied)

	resp := f.script[f.rounds%len(f.script)]
	f.rounds++
	return resp, nil
}

func textResponse(text string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: text, StopReason: "end_turn"}
}

func toolUseResponse(text string, calls ...llm.ToolCall) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: text, StopReason: "tool_use", ToolCalls: calls}
}

func newTestLoop(provider llm.Provider, google *fakeGoogle, messaging *fakeMessaging) (*Loop, *Sessions) {
	resolver := &fakeResolver{accounts: testAccounts()}
	executor := NewExecutor(NewRegistry(google, messaging), resolver)
	sessions := NewSessions(0)
	loop := NewLoop(provider, executor, sessions, resolver, nil, nil, LoopConfig{})
	return loop, sessions
}

func TestConverseSingleToolRound(t *testing.T) {
	google := &fakeGoogle{events: []gateway.Event{
		{ID: "e1", Title: "Standup", Start: "2026-08-29T09:00:00Z", End: "2026-08-29T09:15:00Z"},
	}}
	provider := &fakeToolProvider{script: []*llm.CompletionResponse{
		toolUseResponse("Let me check your calendar.",
			llm.ToolCall{ID: "toolu_cal", Name: "get_calendar", Input: json.RawMessage(`{}`)}),
		textResponse("You have Standup at 9am."),
	}}
	loop, sessions := newTestLoop(provider, google, &fakeMessaging{})

	reply, convID, err := loop.Converse(context.Background(), "user-1", "", "what's on my calendar?")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if reply != "You have Standup at 9am." {
		t.Errorf("reply = %q", reply)
	}
	if convID == "" {
		t.Fatal("conversationID is empty")
	}
	if provider.rounds != 2 {
		t.Fatalf("model rounds = %d, want 2", provider.rounds)
	}

	// Round 2 must see: user text, assistant tool_use turn verbatim,
	// bundled tool_result user turn.
	second := provider.seen[1]
	if len(second) != 3 {
		t.Fatalf("round 2 turn log has %d turns, want 3", len(second))
	}
	if second[1].Role != "assistant" {
		t.Errorf("turn 1 role = %s, want assistant", second[1].Role)
	}
	var sawToolUse bool
	for _, b := range second[1].Content {
		if b.Type == "tool_use" && b.ToolCall.ID == "toolu_cal" {
			sawToolUse = true
		}
	}
	if !sawToolUse {
		t.Error("assistant turn lost the tool_use block")
	}
	results := second[2]
	if results.Role != "user" || len(results.Content) != 1 || results.Content[0].Type != "tool_result" {
		t.Fatalf("result turn = %+v, want one tool_result user turn", results)
	}
	if got := results.Content[0].ToolResult.ToolCallID; got != "toolu_cal" {
		t.Errorf("correlation id = %q, want toolu_cal", got)
	}

	// Cached history carries the whole exchange, tool plumbing included.
	history := sessions.Get(convID)
	if len(history) != 4 {
		t.Errorf("cached history has %d turns, want 4", len(history))
	}
}

func TestConverseParallelToolCalls(t *testing.T) {
	provider := &fakeToolProvider{script: []*llm.CompletionResponse{
		toolUseResponse("",
			llm.ToolCall{ID: "toolu_a", Name: "get_calendar", Input: json.RawMessage(`{}`)},
			llm.ToolCall{ID: "toolu_b", Name: "get_tasks", Input: json.RawMessage(`{}`)}),
		textResponse("Here is everything."),
	}}
	loop, _ := newTestLoop(provider, &fakeGoogle{}, &fakeMessaging{})

	if _, _, err := loop.Converse(context.Background(), "user-1", "", "calendar and tasks please"); err != nil {
		t.Fatalf("Converse: %v", err)
	}

	results := provider.seen[1][len(provider.seen[1])-1]
	if results.Role != "user" {
		t.Fatalf("result turn role = %s, want user", results.Role)
	}
	if len(results.Content) != 2 {
		t.Fatalf("bundled %d results, want 2", len(results.Content))
	}
	ids := []string{results.Content[0].ToolResult.ToolCallID, results.Content[1].ToolResult.ToolCallID}
	if ids[0] != "toolu_a" || ids[1] != "toolu_b" {
		t.Errorf("correlation ids = %v, want [toolu_a toolu_b]", ids)
	}
}

func TestConverseToolFailureContinues(t *testing.T) {
	provider := &fakeToolProvider{script: []*llm.CompletionResponse{
		toolUseResponse("",
			llm.ToolCall{ID: "toolu_bad", Name: "no_such_tool", Input: json.RawMessage(`{}`)},
			llm.ToolCall{ID: "toolu_ok", Name: "get_tasks", Input: json.RawMessage(`{}`)}),
		textResponse("One of those tools doesn't exist."),
	}}
	loop, _ := newTestLoop(provider, &fakeGoogle{}, &fakeMessaging{})

	reply, _, err := loop.Converse(context.Background(), "user-1", "", "do two things")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if reply == "" {
		t.Fatal("empty reply")
	}

	// The failing call never blocks its sibling; both results reach the
	// model with matching ids and the failure flagged.
	results := provider.seen[1][len(provider.seen[1])-1]
	if len(results.Content) != 2 {
		t.Fatalf("bundled %d results, want 2", len(results.Content))
	}
	bad := results.Content[0].ToolResult
	if !bad.IsError || bad.ToolCallID != "toolu_bad" {
		t.Errorf("failing result = %+v, want IsError with toolu_bad", bad)
	}
	if !strings.Contains(bad.Content, "Unknown tool: no_such_tool") {
		t.Errorf("failing result content = %q", bad.Content)
	}
	if ok := results.Content[1].ToolResult; ok.IsError {
		t.Errorf("sibling result flagged as error: %+v", ok)
	}
}

func TestConverseRoundCapFallback(t *testing.T) {
	provider := &fakeToolProvider{script: []*llm.CompletionResponse{
		toolUseResponse("",
			llm.ToolCall{ID: "toolu_loop", Name: "get_tasks", Input: json.RawMessage(`{}`)}),
	}}
	loop, sessions := newTestLoop(provider, &fakeGoogle{}, &fakeMessaging{})

	reply, convID, err := loop.Converse(context.Background(), "user-1", "", "keep going forever")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if reply != fallbackReply {
		t.Errorf("reply = %q, want the fallback text", reply)
	}
	if provider.rounds != maxToolRounds {
		t.Errorf("model rounds = %d, want %d", provider.rounds, maxToolRounds)
	}

	history := sessions.Get(convID)
	if len(history) == 0 {
		t.Fatal("history dropped after hitting the cap")
	}
	last := history[len(history)-1]
	if last.Role != "assistant" || last.PlainText() != fallbackReply {
		t.Errorf("last turn = %s %q, want the fallback assistant turn", last.Role, last.PlainText())
	}
}

func TestConverseModelFailurePreservesHistory(t *testing.T) {
	provider := &fakeToolProvider{err: errors.New("upstream 529")}
	loop, sessions := newTestLoop(provider, &fakeGoogle{}, &fakeMessaging{})

	_, convID, err := loop.Converse(context.Background(), "user-1", "conv-err", "hello")
	if err == nil {
		t.Fatal("Converse returned nil error, want transport failure")
	}
	if convID != "conv-err" {
		t.Errorf("conversationID = %q, want conv-err", convID)
	}

	history := sessions.Get("conv-err")
	if len(history) != 1 || history[0].PlainText() != "hello" {
		t.Errorf("history = %+v, want the user turn preserved", history)
	}
}

func TestConverseContinuesConversation(t *testing.T) {
	provider := &fakeToolProvider{script: []*llm.CompletionResponse{textResponse("reply")}}
	loop, _ := newTestLoop(provider, &fakeGoogle{}, &fakeMessaging{})

	_, convID, err := loop.Converse(context.Background(), "user-1", "", "first")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if _, _, err := loop.Converse(context.Background(), "user-1", convID, "second"); err != nil {
		t.Fatalf("Converse: %v", err)
	}

	// Second turn sees the first exchange plus the new user message.
	second := provider.seen[1]
	if len(second) != 3 {
		t.Fatalf("round 2 turn log has %d turns, want 3", len(second))
	}
	if second[0].PlainText() != "first" || second[1].PlainText() != "reply" || second[2].PlainText() != "second" {
		t.Errorf("turn log = %q %q %q", second[0].PlainText(), second[1].PlainText(), second[2].PlainText())
	}
}

// plainProvider has no tool support at all.
type plainProvider struct{}

func (plainProvider) Name() string { return "plain" }

func (plainProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: "no tools here", StopReason: "stop"}, nil
}

func TestConversePlainProviderFallback(t *testing.T) {
	loop, sessions := newTestLoop(plainProvider{}, &fakeGoogle{}, &fakeMessaging{})

	reply, convID, err := loop.Converse(context.Background(), "user-1", "", "hi")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if reply != "no tools here" {
		t.Errorf("reply = %q", reply)
	}
	if got := sessions.Get(convID); len(got) != 2 {
		t.Errorf("history has %d turns, want 2", len(got))
	}
}
