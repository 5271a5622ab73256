// Package hall implements the conversation core: the tool catalog, the
// tool executor, the bounded tool-calling loop, in-memory sessions, and
// the HTTP API in front of them.
package hall

import (
	"context"
	"fmt"

	"github.com/hall-labs/hall/internal/gateway"
	"github.com/hall-labs/hall/internal/llm"
)

// Provider tags on catalog entries. A tool executes against exactly one
// upstream provider, and account resolution keys on this tag.
const (
	providerGoogle = "google"
	providerTwilio = "twilio"
)

// tool couples a model-facing definition with the provider it needs an
// account for and the handler that performs the call. accountID is empty
// for providers whose credentials are process-wide.
type tool struct {
	definition llm.ToolDefinition
	provider   string
	run        func(ctx context.Context, accountID string, input map[string]any) (any, error)
}

// Registry is the fixed tool catalog. It is built once at startup from
// the configured gateways and never mutated afterwards.
type Registry struct {
	tools  []tool
	byName map[string]*tool
}

// NewRegistry builds the catalog over the given gateways.
func NewRegistry(google gateway.Google, messaging gateway.Messaging) *Registry {
	r := &Registry{byName: make(map[string]*tool)}

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "send_email",
			Description: "Send an email to a recipient",
			InputSchema: map[string]any{
				"to":        prop("string", "Recipient email address"),
				"subject":   prop("string", "Email subject"),
				"body":      prop("string", "Email body content"),
				"accountId": prop("string", "Account ID to send from (optional, defaults to the active account)"),
			},
			Required: []string{"to", "subject", "body"},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.SendEmail(ctx, accountID,
				strArg(input, "to"), strArg(input, "subject"), strArg(input, "body"))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "get_emails",
			Description: "Get recent emails from inbox",
			InputSchema: map[string]any{
				"accountId":  prop("string", "Account ID (optional)"),
				"maxResults": prop("number", "Maximum number of emails to retrieve"),
			},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.ListEmails(ctx, accountID, "", intArg(input, "maxResults", 10))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "search_emails",
			Description: "Search through emails",
			InputSchema: map[string]any{
				"query":      prop("string", "Search query"),
				"accountId":  prop("string", "Account ID (optional)"),
				"maxResults": prop("number", "Maximum number of emails to retrieve"),
			},
			Required: []string{"query"},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.ListEmails(ctx, accountID,
				strArg(input, "query"), intArg(input, "maxResults", 10))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "reply_email",
			Description: "Reply to an email",
			InputSchema: map[string]any{
				"messageId": prop("string", "ID of the email to reply to"),
				"body":      prop("string", "Reply body"),
				"accountId": prop("string", "Account ID (optional)"),
			},
			Required: []string{"messageId", "body"},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.ReplyEmail(ctx, accountID,
				strArg(input, "messageId"), strArg(input, "body"))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "get_calendar",
			Description: "Get upcoming calendar events",
			InputSchema: map[string]any{
				"accountId":  prop("string", "Account ID (optional)"),
				"maxResults": prop("number", "Maximum number of events"),
			},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.ListEvents(ctx, accountID, intArg(input, "maxResults", 10))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "create_event",
			Description: "Create a calendar event",
			InputSchema: map[string]any{
				"title":       prop("string", "Event title"),
				"start":       prop("string", "Start time in ISO format"),
				"end":         prop("string", "End time in ISO format"),
				"description": prop("string", "Event description"),
				"location":    prop("string", "Event location"),
				"accountId":   prop("string", "Account ID (optional)"),
			},
			Required: []string{"title", "start", "end"},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.CreateEvent(ctx, accountID, gateway.EventInput{
				Title:       strArg(input, "title"),
				Start:       strArg(input, "start"),
				End:         strArg(input, "end"),
				Description: strArg(input, "description"),
				Location:    strArg(input, "location"),
			})
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "delete_event",
			Description: "Delete a calendar event",
			InputSchema: map[string]any{
				"eventId":   prop("string", "Event ID to delete"),
				"accountId": prop("string", "Account ID (optional)"),
			},
			Required: []string{"eventId"},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			if err := google.DeleteEvent(ctx, accountID, strArg(input, "eventId")); err != nil {
				return nil, err
			}
			return map[string]bool{"deleted": true}, nil
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "check_availability",
			Description: "Check if a time slot is available",
			InputSchema: map[string]any{
				"timeMin":   prop("string", "Start time in ISO format"),
				"timeMax":   prop("string", "End time in ISO format"),
				"accountId": prop("string", "Account ID (optional)"),
			},
			Required: []string{"timeMin", "timeMax"},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.CheckAvailability(ctx, accountID,
				strArg(input, "timeMin"), strArg(input, "timeMax"))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "get_tasks",
			Description: "Get task list",
			InputSchema: map[string]any{
				"showCompleted": prop("boolean", "Include completed tasks"),
				"accountId":     prop("string", "Account ID (optional)"),
			},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.ListTasks(ctx, accountID, boolArg(input, "showCompleted"))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "create_task",
			Description: "Create a new task",
			InputSchema: map[string]any{
				"title":     prop("string", "Task title"),
				"notes":     prop("string", "Task notes"),
				"due":       prop("string", "Due date in ISO format"),
				"accountId": prop("string", "Account ID (optional)"),
			},
			Required: []string{"title"},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.CreateTask(ctx, accountID, gateway.TaskInput{
				Title: strArg(input, "title"),
				Notes: strArg(input, "notes"),
				Due:   strArg(input, "due"),
			})
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "complete_task",
			Description: "Mark a task as complete",
			InputSchema: map[string]any{
				"taskId":    prop("string", "Task ID"),
				"accountId": prop("string", "Account ID (optional)"),
			},
			Required: []string{"taskId"},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.CompleteTask(ctx, accountID, strArg(input, "taskId"))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "search_contacts",
			Description: "Search contacts by name or email",
			InputSchema: map[string]any{
				"query":      prop("string", "Search query (empty lists all contacts)"),
				"accountId":  prop("string", "Account ID (optional)"),
				"maxResults": prop("number", "Maximum number of contacts"),
			},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.SearchContacts(ctx, accountID,
				strArg(input, "query"), intArg(input, "maxResults", 25))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "create_contact",
			Description: "Create a new contact",
			InputSchema: map[string]any{
				"name":      prop("string", "Contact name"),
				"email":     prop("string", "Email address"),
				"phone":     prop("string", "Phone number"),
				"accountId": prop("string", "Account ID (optional)"),
			},
			Required: []string{"name"},
		},
		provider: providerGoogle,
		run: func(ctx context.Context, accountID string, input map[string]any) (any, error) {
			return google.CreateContact(ctx, accountID, gateway.ContactInput{
				Name:  strArg(input, "name"),
				Email: strArg(input, "email"),
				Phone: strArg(input, "phone"),
			})
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "send_sms",
			Description: "Send an SMS message",
			InputSchema: map[string]any{
				"to":   prop("string", "Recipient phone number in E.164 format"),
				"body": prop("string", "Message body"),
			},
			Required: []string{"to", "body"},
		},
		provider: providerTwilio,
		run: func(ctx context.Context, _ string, input map[string]any) (any, error) {
			return messaging.SendSMS(ctx, strArg(input, "to"), strArg(input, "body"))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "send_whatsapp",
			Description: "Send a WhatsApp message",
			InputSchema: map[string]any{
				"to":   prop("string", "Recipient phone number in E.164 format"),
				"body": prop("string", "Message body"),
			},
			Required: []string{"to", "body"},
		},
		provider: providerTwilio,
		run: func(ctx context.Context, _ string, input map[string]any) (any, error) {
			return messaging.SendWhatsApp(ctx, strArg(input, "to"), strArg(input, "body"))
		},
	})

	r.add(tool{
		definition: llm.ToolDefinition{
			Name:        "get_messages",
			Description: "Get recent SMS and WhatsApp messages",
			InputSchema: map[string]any{
				"limit": prop("number", "Maximum number of messages"),
			},
		},
		provider: providerTwilio,
		run: func(ctx context.Context, _ string, input map[string]any) (any, error) {
			return messaging.ListMessages(ctx, intArg(input, "limit", 20))
		},
	})

	for i := range r.tools {
		r.byName[r.tools[i].definition.Name] = &r.tools[i]
	}
	return r
}

func (r *Registry) add(t tool) {
	r.tools = append(r.tools, t)
}

// List returns the catalog in registration order.
func (r *Registry) List() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(r.tools))
	for i, t := range r.tools {
		defs[i] = t.definition
	}
	return defs
}

func (r *Registry) lookup(name string) (*tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// strArg reads a string parameter, "" when absent or mistyped.
func strArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// intArg reads a numeric parameter. JSON numbers decode as float64.
func intArg(input map[string]any, key string, fallback int) int {
	f, ok := input[key].(float64)
	if !ok || f <= 0 {
		return fallback
	}
	return int(f)
}

func boolArg(input map[string]any, key string) bool {
	b, _ := input[key].(bool)
	return b
}

// requireArgs checks that every required parameter is present and
// non-empty when it is a string.
func requireArgs(input map[string]any, keys ...string) error {
	for _, key := range keys {
		v, ok := input[key]
		if !ok {
			return fmt.Errorf("missing required parameter: %s", key)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("missing required parameter: %s", key)
		}
	}
	return nil
}
