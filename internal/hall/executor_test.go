package hall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hall-labs/hall/internal/account"
	"github.com/hall-labs/hall/internal/gateway"
	"github.com/hall-labs/hall/internal/llm"
)

// fakeGoogle is a canned gateway.Google. Unset results return zero
// values; err poisons every call.
type fakeGoogle struct {
	events   []gateway.Event
	emails   []gateway.Email
	tasks    []gateway.Task
	contacts []gateway.Contact
	receipt  *gateway.SendReceipt
	err      error

	calls []string
}

func (f *fakeGoogle) ListEmails(ctx context.Context, accountID, query string, max int) ([]gateway.Email, error) {
	f.calls = append(f.calls, "ListEmails")
	return f.emails, f.err
}

func (f *fakeGoogle) SendEmail(ctx context.Context, accountID, to, subject, body string) (*gateway.SendReceipt, error) {
	f.calls = append(f.calls, "SendEmail")
	return f.receipt, f.err
}

func (f *fakeGoogle) ReplyEmail(ctx context.Context, accountID, messageID, body string) (*gateway.SendReceipt, error) {
	f.calls = append(f.calls, "ReplyEmail")
	return f.receipt, f.err
}

func (f *fakeGoogle) ListEvents(ctx context.Context, accountID string, max int) ([]gateway.Event, error) {
	f.calls = append(f.calls, "ListEvents")
	return f.events, f.err
}

func (f *fakeGoogle) CreateEvent(ctx context.Context, accountID string, in gateway.EventInput) (*gateway.Event, error) {
	f.calls = append(f.calls, "CreateEvent")
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Event{ID: "evt-new", Title: in.Title, Start: in.Start, End: in.End}, nil
}

func (f *fakeGoogle) DeleteEvent(ctx context.Context, accountID, eventID string) error {
	f.calls = append(f.calls, "DeleteEvent")
	return f.err
}

func (f *fakeGoogle) CheckAvailability(ctx context.Context, accountID, timeMin, timeMax string) (*gateway.Availability, error) {
	f.calls = append(f.calls, "CheckAvailability")
	return &gateway.Availability{Available: true}, f.err
}

func (f *fakeGoogle) ListTasks(ctx context.Context, accountID string, showCompleted bool) ([]gateway.Task, error) {
	f.calls = append(f.calls, "ListTasks")
	return f.tasks, f.err
}

func (f *fakeGoogle) CreateTask(ctx context.Context, accountID string, in gateway.TaskInput) (*gateway.Task, error) {
	f.calls = append(f.calls, "CreateTask")
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Task{ID: "task-new", Title: in.Title}, nil
}

func (f *fakeGoogle) CompleteTask(ctx context.Context, accountID, taskID string) (*gateway.Task, error) {
	f.calls = append(f.calls, "CompleteTask")
	return &gateway.Task{ID: taskID, IsCompleted: true}, f.err
}

func (f *fakeGoogle) SearchContacts(ctx context.Context, accountID, query string, max int) ([]gateway.Contact, error) {
	f.calls = append(f.calls, "SearchContacts")
	return f.contacts, f.err
}

func (f *fakeGoogle) CreateContact(ctx context.Context, accountID string, in gateway.ContactInput) (*gateway.Contact, error) {
	f.calls = append(f.calls, "CreateContact")
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Contact{ID: "contact-new", Name: in.Name}, nil
}

// fakeMessaging is a canned gateway.Messaging.
type fakeMessaging struct {
	err   error
	calls []string
}

func (f *fakeMessaging) SendSMS(ctx context.Context, to, body string) (*gateway.TextMessage, error) {
	f.calls = append(f.calls, "SendSMS")
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.TextMessage{ID: "sms-1", To: to, Body: body, Status: "queued"}, nil
}

func (f *fakeMessaging) SendWhatsApp(ctx context.Context, to, body string) (*gateway.TextMessage, error) {
	f.calls = append(f.calls, "SendWhatsApp")
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.TextMessage{ID: "wa-1", To: to, Body: body, IsWhatsApp: true}, nil
}

func (f *fakeMessaging) ListMessages(ctx context.Context, limit int) ([]gateway.TextMessage, error) {
	f.calls = append(f.calls, "ListMessages")
	return nil, f.err
}

// fakeResolver mirrors the store's resolution policy over a fixed
// account set.
type fakeResolver struct {
	accounts []account.Account
}

func (f *fakeResolver) Resolve(userID, explicitID, provider string) (*account.Account, error) {
	if explicitID != "" {
		for i := range f.accounts {
			a := f.accounts[i]
			if a.ID == explicitID && a.UserID == userID {
				return &a, nil
			}
		}
		return nil, account.ErrNotFound
	}
	for i := range f.accounts {
		a := f.accounts[i]
		if a.UserID == userID && a.Provider == provider && a.Active {
			return &a, nil
		}
	}
	return nil, account.ErrNoAccount
}

func (f *fakeResolver) ActiveForUser(userID string) ([]account.Account, error) {
	var out []account.Account
	for _, a := range f.accounts {
		if a.UserID == userID && a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func testAccounts() []account.Account {
	return []account.Account{
		{ID: "acct-google", UserID: "user-1", Name: "Work Gmail", Provider: "google", Active: true},
		{ID: "acct-twilio", UserID: "user-1", Name: "Twilio", Provider: "twilio", Active: true},
		{ID: "acct-other", UserID: "user-2", Name: "Other", Provider: "google", Active: true},
	}
}

func newTestExecutor(google *fakeGoogle, messaging *fakeMessaging) *Executor {
	return NewExecutor(NewRegistry(google, messaging), &fakeResolver{accounts: testAccounts()})
}

func call(name, input string) llm.ToolCall {
	return llm.ToolCall{ID: "toolu_01", Name: name, Input: json.RawMessage(input)}
}

func decodeError(t *testing.T, result llm.ToolResult) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		t.Fatalf("result content %q is not JSON: %v", result.Content, err)
	}
	return payload.Error
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newTestExecutor(&fakeGoogle{}, &fakeMessaging{})

	result := e.Execute(context.Background(), call("frobnicate", `{}`), "user-1")
	if !result.IsError {
		t.Fatal("IsError = false, want true")
	}
	if result.ToolCallID != "toolu_01" {
		t.Errorf("ToolCallID = %q, want toolu_01", result.ToolCallID)
	}
	if got := decodeError(t, result); got != "Unknown tool: frobnicate" {
		t.Errorf("error = %q, want %q", got, "Unknown tool: frobnicate")
	}
}

func TestExecuteNoActiveAccount(t *testing.T) {
	e := NewExecutor(NewRegistry(&fakeGoogle{}, &fakeMessaging{}), &fakeResolver{})

	result := e.Execute(context.Background(), call("get_calendar", `{}`), "user-1")
	if !result.IsError {
		t.Fatal("IsError = false, want true")
	}
	want := "No active account found. Please connect an account first."
	if got := decodeError(t, result); got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
}

func TestExecuteExplicitAccountOwnership(t *testing.T) {
	e := newTestExecutor(&fakeGoogle{}, &fakeMessaging{})

	// acct-other belongs to user-2. No silent fallback to user-1's own
	// account: the mismatch is surfaced.
	result := e.Execute(context.Background(),
		call("get_calendar", `{"accountId":"acct-other"}`), "user-1")
	if !result.IsError {
		t.Fatal("IsError = false, want true")
	}
	if got := decodeError(t, result); got != "Account not found" {
		t.Errorf("error = %q, want %q", got, "Account not found")
	}
}

func TestExecuteMissingRequiredParameter(t *testing.T) {
	google := &fakeGoogle{}
	e := newTestExecutor(google, &fakeMessaging{})

	result := e.Execute(context.Background(),
		call("send_email", `{"to":"a@b.com","subject":"hi"}`), "user-1")
	if !result.IsError {
		t.Fatal("IsError = false, want true")
	}
	if got := decodeError(t, result); got != "missing required parameter: body" {
		t.Errorf("error = %q, want %q", got, "missing required parameter: body")
	}
	if len(google.calls) != 0 {
		t.Errorf("gateway called %v despite invalid input", google.calls)
	}
}

func TestExecuteSuccess(t *testing.T) {
	google := &fakeGoogle{events: []gateway.Event{
		{ID: "e1", Title: "Standup", Start: "2026-08-29T09:00:00Z", End: "2026-08-29T09:15:00Z"},
		{ID: "e2", Title: "Review", Start: "2026-08-29T15:00:00Z", End: "2026-08-29T16:00:00Z"},
	}}
	e := newTestExecutor(google, &fakeMessaging{})

	result := e.Execute(context.Background(), call("get_calendar", `{}`), "user-1")
	if result.IsError {
		t.Fatalf("IsError = true, content %s", result.Content)
	}
	var events []gateway.Event
	if err := json.Unmarshal([]byte(result.Content), &events); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(events) != 2 || events[0].Title != "Standup" {
		t.Errorf("events = %+v, want the two canned events", events)
	}
}

func TestExecuteGatewayFailure(t *testing.T) {
	google := &fakeGoogle{err: errors.New("google API HTTP 503")}
	e := newTestExecutor(google, &fakeMessaging{})

	result := e.Execute(context.Background(),
		call("send_email", `{"to":"a@b.com","subject":"hi","body":"hello"}`), "user-1")
	if !result.IsError {
		t.Fatal("IsError = false, want true")
	}
	if got := decodeError(t, result); got != "google API HTTP 503" {
		t.Errorf("error = %q, want the gateway message", got)
	}
}

func TestExecuteInvalidInputJSON(t *testing.T) {
	e := newTestExecutor(&fakeGoogle{}, &fakeMessaging{})

	result := e.Execute(context.Background(), call("get_calendar", `{not json`), "user-1")
	if !result.IsError {
		t.Fatal("IsError = false, want true")
	}
}

func TestExecuteMessagingTools(t *testing.T) {
	messaging := &fakeMessaging{}
	e := newTestExecutor(&fakeGoogle{}, messaging)

	result := e.Execute(context.Background(),
		call("send_whatsapp", `{"to":"+15551234567","body":"ping"}`), "user-1")
	if result.IsError {
		t.Fatalf("IsError = true, content %s", result.Content)
	}
	var msg gateway.TextMessage
	if err := json.Unmarshal([]byte(result.Content), &msg); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !msg.IsWhatsApp {
		t.Error("IsWhatsApp = false, want true")
	}
	if len(messaging.calls) != 1 || messaging.calls[0] != "SendWhatsApp" {
		t.Errorf("calls = %v, want [SendWhatsApp]", messaging.calls)
	}
}

func TestRegistryCatalog(t *testing.T) {
	r := NewRegistry(&fakeGoogle{}, &fakeMessaging{})
	defs := r.List()

	if len(defs) != 16 {
		t.Fatalf("catalog size = %d, want 16", len(defs))
	}

	seen := map[string]bool{}
	for _, d := range defs {
		if d.Name == "" || d.Description == "" {
			t.Errorf("definition %+v missing name or description", d)
		}
		if seen[d.Name] {
			t.Errorf("duplicate tool %s", d.Name)
		}
		seen[d.Name] = true
	}

	for _, name := range []string{"send_email", "reply_email", "check_availability", "complete_task", "send_sms", "get_messages"} {
		if !seen[name] {
			t.Errorf("catalog missing %s", name)
		}
	}
}

func TestRegistryRequiredFields(t *testing.T) {
	r := NewRegistry(&fakeGoogle{}, &fakeMessaging{})

	want := map[string][]string{
		"send_email":   {"to", "subject", "body"},
		"create_event": {"title", "start", "end"},
		"get_calendar": nil,
	}
	for _, d := range r.List() {
		expected, ok := want[d.Name]
		if !ok {
			continue
		}
		if fmt.Sprint(d.Required) != fmt.Sprint(expected) {
			t.Errorf("%s required = %v, want %v", d.Name, d.Required, expected)
		}
	}
}
