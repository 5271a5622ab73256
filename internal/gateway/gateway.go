// Package gateway abstracts the third-party service calls Hall's tools
// execute against — Gmail, Google Calendar, Google Tasks, Google People,
// and Twilio messaging. Each client is a thin REST wrapper; credential
// refresh is delegated to the account layer's token source.
package gateway

import (
	"context"
	"time"
)

// TokenSource issues a valid access token for an account, refreshing it
// transparently when expired.
type TokenSource interface {
	Token(ctx context.Context, accountID string) (string, error)
}

// Email is a normalized inbox message.
type Email struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	Snippet string `json:"snippet"`
	IsRead  bool   `json:"isRead"`
}

// SendReceipt is the result of sending or replying to an email.
type SendReceipt struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId,omitempty"`
}

// Event is a normalized calendar event.
type Event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location,omitempty"`
	Link        string `json:"link,omitempty"`
}

// EventInput holds the fields for creating an event.
type EventInput struct {
	Title       string
	Start       string // RFC 3339
	End         string // RFC 3339
	Description string
	Location    string
}

// Availability reports whether a time window is free.
type Availability struct {
	Available bool       `json:"available"`
	Busy      []TimeSpan `json:"busy,omitempty"`
}

// TimeSpan is a busy interval inside an availability check.
type TimeSpan struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Task is a normalized task-list entry.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Notes       string `json:"notes,omitempty"`
	Due         string `json:"due,omitempty"`
	IsCompleted bool   `json:"isCompleted"`
}

// TaskInput holds the fields for creating a task.
type TaskInput struct {
	Title string
	Notes string
	Due   string // RFC 3339
}

// Contact is a normalized address-book entry.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// ContactInput holds the fields for creating a contact.
type ContactInput struct {
	Name  string
	Email string
	Phone string
}

// TextMessage is a normalized SMS or WhatsApp message.
type TextMessage struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Body       string    `json:"body"`
	Status     string    `json:"status"`
	Direction  string    `json:"direction,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
	IsWhatsApp bool      `json:"isWhatsApp"`
}

// Google is the gateway surface over a user's Google account.
type Google interface {
	ListEmails(ctx context.Context, accountID, query string, max int) ([]Email, error)
	SendEmail(ctx context.Context, accountID, to, subject, body string) (*SendReceipt, error)
	ReplyEmail(ctx context.Context, accountID, messageID, body string) (*SendReceipt, error)

	ListEvents(ctx context.Context, accountID string, max int) ([]Event, error)
	CreateEvent(ctx context.Context, accountID string, in EventInput) (*Event, error)
	DeleteEvent(ctx context.Context, accountID, eventID string) error
	CheckAvailability(ctx context.Context, accountID, timeMin, timeMax string) (*Availability, error)

	ListTasks(ctx context.Context, accountID string, showCompleted bool) ([]Task, error)
	CreateTask(ctx context.Context, accountID string, in TaskInput) (*Task, error)
	CompleteTask(ctx context.Context, accountID, taskID string) (*Task, error)

	SearchContacts(ctx context.Context, accountID, query string, max int) ([]Contact, error)
	CreateContact(ctx context.Context, accountID string, in ContactInput) (*Contact, error)
}

// Messaging is the gateway surface over Twilio SMS/WhatsApp.
type Messaging interface {
	SendSMS(ctx context.Context, to, body string) (*TextMessage, error)
	SendWhatsApp(ctx context.Context, to, body string) (*TextMessage, error)
	ListMessages(ctx context.Context, limit int) ([]TextMessage, error)
}
