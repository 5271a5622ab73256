package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Default Google API endpoints. Overridable for tests.
const (
	defaultGmailBase    = "https://gmail.googleapis.com/gmail/v1"
	defaultCalendarBase = "https://www.googleapis.com/calendar/v3"
	defaultTasksBase    = "https://tasks.googleapis.com/tasks/v1"
	defaultPeopleBase   = "https://people.googleapis.com/v1"
)

// GoogleClient talks to the Gmail, Calendar, Tasks, and People REST APIs
// on behalf of a linked account. It implements the Google interface.
type GoogleClient struct {
	tokens TokenSource
	client *http.Client

	gmailBase    string
	calendarBase string
	tasksBase    string
	peopleBase   string
}

// NewGoogle creates a Google gateway client.
func NewGoogle(tokens TokenSource) *GoogleClient {
	return &GoogleClient{
		tokens:       tokens,
		client:       &http.Client{Timeout: 30 * time.Second},
		gmailBase:    defaultGmailBase,
		calendarBase: defaultCalendarBase,
		tasksBase:    defaultTasksBase,
		peopleBase:   defaultPeopleBase,
	}
}

// doJSON performs an authenticated request and decodes the JSON response
// into out (out may be nil for empty-body responses).
func (g *GoogleClient) doJSON(ctx context.Context, accountID, method, endpoint string, body, out any) error {
	token, err := g.tokens.Token(ctx, accountID)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("google request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("google API HTTP %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}

// --- Gmail ---

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	Snippet  string   `json:"snippet"`
	LabelIDs []string `json:"labelIds"`
	Payload  struct {
		Headers []gmailHeader `json:"headers"`
	} `json:"payload"`
}

func headerValue(headers []gmailHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ListEmails returns recent inbox messages, optionally filtered by a
// Gmail search query.
func (g *GoogleClient) ListEmails(ctx context.Context, accountID, query string, max int) ([]Email, error) {
	if max <= 0 {
		max = 10
	}

	params := url.Values{"maxResults": {strconv.Itoa(max)}}
	if query != "" {
		params.Set("q", query)
	} else {
		params.Set("labelIds", "INBOX")
	}

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	endpoint := g.gmailBase + "/users/me/messages?" + params.Encode()
	if err := g.doJSON(ctx, accountID, http.MethodGet, endpoint, nil, &list); err != nil {
		return nil, err
	}

	emails := make([]Email, 0, len(list.Messages))
	for _, m := range list.Messages {
		detail, err := g.getMessage(ctx, accountID, m.ID)
		if err != nil {
			return nil, err
		}
		unread := false
		for _, l := range detail.LabelIDs {
			if l == "UNREAD" {
				unread = true
			}
		}
		emails = append(emails, Email{
			ID:      detail.ID,
			From:    headerValue(detail.Payload.Headers, "From"),
			Subject: headerValue(detail.Payload.Headers, "Subject"),
			Date:    headerValue(detail.Payload.Headers, "Date"),
			Snippet: detail.Snippet,
			IsRead:  !unread,
		})
	}
	return emails, nil
}

func (g *GoogleClient) getMessage(ctx context.Context, accountID, id string) (*gmailMessage, error) {
	params := url.Values{
		"format":          {"metadata"},
		"metadataHeaders": {"From", "To", "Subject", "Date", "Message-ID", "References"},
	}
	var msg gmailMessage
	endpoint := g.gmailBase + "/users/me/messages/" + id + "?" + params.Encode()
	if err := g.doJSON(ctx, accountID, http.MethodGet, endpoint, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// buildRawMessage assembles an RFC 2822 message and encodes it the way
// the Gmail API expects: base64url without padding.
func buildRawMessage(headers []string, body string) string {
	raw := strings.Join(headers, "\r\n") + "\r\n\r\n" + body
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// SendEmail sends a plain email from the account's Gmail.
func (g *GoogleClient) SendEmail(ctx context.Context, accountID, to, subject, body string) (*SendReceipt, error) {
	raw := buildRawMessage([]string{
		"To: " + to,
		"Subject: " + subject,
		"Content-Type: text/plain; charset=UTF-8",
	}, body)

	var receipt SendReceipt
	endpoint := g.gmailBase + "/users/me/messages/send"
	if err := g.doJSON(ctx, accountID, http.MethodPost, endpoint, map[string]string{"raw": raw}, &receipt); err != nil {
		return nil, err
	}

	slog.Info("email sent", "account", accountID, "id", receipt.ID)
	return &receipt, nil
}

// ReplyEmail replies to an existing message, threading via
// In-Reply-To/References and the original thread id.
func (g *GoogleClient) ReplyEmail(ctx context.Context, accountID, messageID, body string) (*SendReceipt, error) {
	orig, err := g.getMessage(ctx, accountID, messageID)
	if err != nil {
		return nil, fmt.Errorf("load original message: %w", err)
	}

	subject := headerValue(orig.Payload.Headers, "Subject")
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	origMsgID := headerValue(orig.Payload.Headers, "Message-ID")
	references := headerValue(orig.Payload.Headers, "References")
	if references != "" {
		references += " " + origMsgID
	} else {
		references = origMsgID
	}

	headers := []string{
		"To: " + headerValue(orig.Payload.Headers, "From"),
		"Subject: " + subject,
		"Content-Type: text/plain; charset=UTF-8",
	}
	if origMsgID != "" {
		headers = append(headers, "In-Reply-To: "+origMsgID, "References: "+references)
	}

	payload := map[string]string{
		"raw":      buildRawMessage(headers, body),
		"threadId": orig.ThreadID,
	}

	var receipt SendReceipt
	endpoint := g.gmailBase + "/users/me/messages/send"
	if err := g.doJSON(ctx, accountID, http.MethodPost, endpoint, payload, &receipt); err != nil {
		return nil, err
	}

	slog.Info("email reply sent", "account", accountID, "id", receipt.ID, "thread", receipt.ThreadID)
	return &receipt, nil
}

// --- Calendar ---

type calendarEvent struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Location    string `json:"location"`
	HTMLLink    string `json:"htmlLink"`
	Start       struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"end"`
}

func (e calendarEvent) toEvent() Event {
	start := e.Start.DateTime
	if start == "" {
		start = e.Start.Date
	}
	end := e.End.DateTime
	if end == "" {
		end = e.End.Date
	}
	return Event{
		ID:          e.ID,
		Title:       e.Summary,
		Description: e.Description,
		Start:       start,
		End:         end,
		Location:    e.Location,
		Link:        e.HTMLLink,
	}
}

// ListEvents returns upcoming events from the primary calendar.
func (g *GoogleClient) ListEvents(ctx context.Context, accountID string, max int) ([]Event, error) {
	if max <= 0 {
		max = 10
	}
	params := url.Values{
		"timeMin":      {time.Now().UTC().Format(time.RFC3339)},
		"maxResults":   {strconv.Itoa(max)},
		"singleEvents": {"true"},
		"orderBy":      {"startTime"},
	}

	var list struct {
		Items []calendarEvent `json:"items"`
	}
	endpoint := g.calendarBase + "/calendars/primary/events?" + params.Encode()
	if err := g.doJSON(ctx, accountID, http.MethodGet, endpoint, nil, &list); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(list.Items))
	for _, item := range list.Items {
		events = append(events, item.toEvent())
	}
	return events, nil
}

// CreateEvent creates an event on the primary calendar.
func (g *GoogleClient) CreateEvent(ctx context.Context, accountID string, in EventInput) (*Event, error) {
	payload := map[string]any{
		"summary":     in.Title,
		"description": in.Description,
		"location":    in.Location,
		"start":       map[string]string{"dateTime": in.Start, "timeZone": "UTC"},
		"end":         map[string]string{"dateTime": in.End, "timeZone": "UTC"},
	}

	var created calendarEvent
	endpoint := g.calendarBase + "/calendars/primary/events"
	if err := g.doJSON(ctx, accountID, http.MethodPost, endpoint, payload, &created); err != nil {
		return nil, err
	}

	slog.Info("calendar event created", "account", accountID, "id", created.ID)
	ev := created.toEvent()
	return &ev, nil
}

// DeleteEvent removes an event from the primary calendar.
func (g *GoogleClient) DeleteEvent(ctx context.Context, accountID, eventID string) error {
	endpoint := g.calendarBase + "/calendars/primary/events/" + url.PathEscape(eventID)
	if err := g.doJSON(ctx, accountID, http.MethodDelete, endpoint, nil, nil); err != nil {
		return err
	}
	slog.Info("calendar event deleted", "account", accountID, "id", eventID)
	return nil
}

// CheckAvailability queries free/busy for the primary calendar.
func (g *GoogleClient) CheckAvailability(ctx context.Context, accountID, timeMin, timeMax string) (*Availability, error) {
	payload := map[string]any{
		"timeMin": timeMin,
		"timeMax": timeMax,
		"items":   []map[string]string{{"id": "primary"}},
	}

	var result struct {
		Calendars map[string]struct {
			Busy []TimeSpan `json:"busy"`
		} `json:"calendars"`
	}
	endpoint := g.calendarBase + "/freeBusy"
	if err := g.doJSON(ctx, accountID, http.MethodPost, endpoint, payload, &result); err != nil {
		return nil, err
	}

	busy := result.Calendars["primary"].Busy
	return &Availability{Available: len(busy) == 0, Busy: busy}, nil
}

// --- Tasks ---

type googleTask struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Notes  string `json:"notes"`
	Due    string `json:"due"`
	Status string `json:"status"`
}

func (t googleTask) toTask() Task {
	return Task{
		ID:          t.ID,
		Title:       t.Title,
		Notes:       t.Notes,
		Due:         t.Due,
		IsCompleted: t.Status == "completed",
	}
}

// defaultTaskList returns the id of the account's first task list.
func (g *GoogleClient) defaultTaskList(ctx context.Context, accountID string) (string, error) {
	var lists struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := g.doJSON(ctx, accountID, http.MethodGet, g.tasksBase+"/users/@me/lists", nil, &lists); err != nil {
		return "", err
	}
	if len(lists.Items) == 0 {
		return "", fmt.Errorf("no task list found")
	}
	return lists.Items[0].ID, nil
}

// ListTasks returns tasks from the account's default task list.
func (g *GoogleClient) ListTasks(ctx context.Context, accountID string, showCompleted bool) ([]Task, error) {
	listID, err := g.defaultTaskList(ctx, accountID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	if showCompleted {
		params.Set("showCompleted", "true")
		params.Set("showHidden", "true")
	}
	endpoint := g.tasksBase + "/lists/" + url.PathEscape(listID) + "/tasks"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var list struct {
		Items []googleTask `json:"items"`
	}
	if err := g.doJSON(ctx, accountID, http.MethodGet, endpoint, nil, &list); err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(list.Items))
	for _, item := range list.Items {
		tasks = append(tasks, item.toTask())
	}
	return tasks, nil
}

// CreateTask adds a task to the default task list.
func (g *GoogleClient) CreateTask(ctx context.Context, accountID string, in TaskInput) (*Task, error) {
	listID, err := g.defaultTaskList(ctx, accountID)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{"title": in.Title}
	if in.Notes != "" {
		payload["notes"] = in.Notes
	}
	if in.Due != "" {
		payload["due"] = in.Due
	}

	var created googleTask
	endpoint := g.tasksBase + "/lists/" + url.PathEscape(listID) + "/tasks"
	if err := g.doJSON(ctx, accountID, http.MethodPost, endpoint, payload, &created); err != nil {
		return nil, err
	}

	slog.Info("task created", "account", accountID, "id", created.ID)
	task := created.toTask()
	return &task, nil
}

// CompleteTask marks a task completed in the default task list.
func (g *GoogleClient) CompleteTask(ctx context.Context, accountID, taskID string) (*Task, error) {
	listID, err := g.defaultTaskList(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var updated googleTask
	endpoint := g.tasksBase + "/lists/" + url.PathEscape(listID) + "/tasks/" + url.PathEscape(taskID)
	payload := map[string]string{"status": "completed"}
	if err := g.doJSON(ctx, accountID, http.MethodPatch, endpoint, payload, &updated); err != nil {
		return nil, err
	}

	slog.Info("task completed", "account", accountID, "id", taskID)
	task := updated.toTask()
	return &task, nil
}

// --- Contacts ---

type person struct {
	ResourceName string `json:"resourceName"`
	Names        []struct {
		DisplayName string `json:"displayName"`
	} `json:"names"`
	EmailAddresses []struct {
		Value string `json:"value"`
	} `json:"emailAddresses"`
	PhoneNumbers []struct {
		Value string `json:"value"`
	} `json:"phoneNumbers"`
}

func (p person) toContact() Contact {
	c := Contact{ID: p.ResourceName}
	if len(p.Names) > 0 {
		c.Name = p.Names[0].DisplayName
	}
	if len(p.EmailAddresses) > 0 {
		c.Email = p.EmailAddresses[0].Value
	}
	if len(p.PhoneNumbers) > 0 {
		c.Phone = p.PhoneNumbers[0].Value
	}
	return c
}

// SearchContacts searches the account's contacts by name or email.
// An empty query lists the user's connections instead.
func (g *GoogleClient) SearchContacts(ctx context.Context, accountID, query string, max int) ([]Contact, error) {
	if max <= 0 {
		max = 25
	}

	if query == "" {
		params := url.Values{
			"personFields": {"names,emailAddresses,phoneNumbers"},
			"pageSize":     {strconv.Itoa(max)},
		}
		var list struct {
			Connections []person `json:"connections"`
		}
		endpoint := g.peopleBase + "/people/me/connections?" + params.Encode()
		if err := g.doJSON(ctx, accountID, http.MethodGet, endpoint, nil, &list); err != nil {
			return nil, err
		}
		contacts := make([]Contact, 0, len(list.Connections))
		for _, p := range list.Connections {
			contacts = append(contacts, p.toContact())
		}
		return contacts, nil
	}

	params := url.Values{
		"query":    {query},
		"readMask": {"names,emailAddresses,phoneNumbers"},
		"pageSize": {strconv.Itoa(max)},
	}
	var result struct {
		Results []struct {
			Person person `json:"person"`
		} `json:"results"`
	}
	endpoint := g.peopleBase + "/people:searchContacts?" + params.Encode()
	if err := g.doJSON(ctx, accountID, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}

	contacts := make([]Contact, 0, len(result.Results))
	for _, r := range result.Results {
		contacts = append(contacts, r.Person.toContact())
	}
	return contacts, nil
}

// CreateContact adds a contact to the account's address book.
func (g *GoogleClient) CreateContact(ctx context.Context, accountID string, in ContactInput) (*Contact, error) {
	payload := map[string]any{
		"names": []map[string]string{{"givenName": in.Name}},
	}
	if in.Email != "" {
		payload["emailAddresses"] = []map[string]string{{"value": in.Email}}
	}
	if in.Phone != "" {
		payload["phoneNumbers"] = []map[string]string{{"value": in.Phone}}
	}

	var created person
	endpoint := g.peopleBase + "/people:createContact"
	if err := g.doJSON(ctx, accountID, http.MethodPost, endpoint, payload, &created); err != nil {
		return nil, err
	}

	slog.Info("contact created", "account", accountID, "id", created.ResourceName)
	contact := created.toContact()
	return &contact, nil
}
