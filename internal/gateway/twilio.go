package gateway

import (
	"context"
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

const defaultTwilioBase = "https://api.twilio.com/2010-04-01"

// TwilioClient sends and lists SMS/WhatsApp messages through the Twilio
// REST API. It implements the Messaging interface.
type TwilioClient struct {
	accountSID     string
	authToken      string
	fromNumber     string // SMS sender, E.164
	whatsAppNumber string // WhatsApp sender, "whatsapp:+..." form

	baseURL string
	client  *http.Client
}

// TwilioConfig holds Twilio credentials and sender numbers.
type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	WhatsAppNumber string
}

// NewTwilio creates a Twilio messaging client.
func NewTwilio(cfg TwilioConfig) *TwilioClient {
	whatsApp := cfg.WhatsAppNumber
	if whatsApp != "" && !strings.HasPrefix(whatsApp, "whatsapp:") {
		whatsApp = "whatsapp:" + whatsApp
	}
	return &TwilioClient{
		accountSID:     cfg.AccountSID,
		authToken:      cfg.AuthToken,
		fromNumber:     cfg.FromNumber,
		whatsAppNumber: whatsApp,
		baseURL:        defaultTwilioBase,
		client:         &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether credentials are present.
func (t *TwilioClient) Configured() bool {
	return t.accountSID != "" && t.authToken != ""
}

type twilioMessage struct {
	SID         string `json:"sid"`
	From        string `json:"from"`
	To          string `json:"to"`
	Body        string `json:"body"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	DateCreated string `json:"date_created"`
}

func (m twilioMessage) toTextMessage() TextMessage {
	ts, _ := time.Parse(time.RFC1123Z, m.DateCreated)
	return TextMessage{
		ID:         m.SID,
		From:       m.From,
		To:         m.To,
		Body:       m.Body,
		Status:     m.Status,
		Direction:  m.Direction,
		Timestamp:  ts,
		IsWhatsApp: strings.HasPrefix(m.From, "whatsapp:") || strings.HasPrefix(m.To, "whatsapp:"),
	}
}

func (t *TwilioClient) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	if !t.Configured() {
		return fmt.Errorf("twilio not configured")
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("twilio API HTTP %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func (t *TwilioClient) send(ctx context.Context, from, to, body string) (*TextMessage, error) {
	form := url.Values{
		"From": {from},
		"To":   {to},
		"Body": {body},
	}

	var msg twilioMessage
	endpoint := t.baseURL + "/Accounts/" + t.accountSID + "/Messages.json"
	if err := t.do(ctx, http.MethodPost, endpoint, form, &msg); err != nil {
		return nil, err
	}

	slog.Info("message sent", "sid", msg.SID, "to", msg.To, "status", msg.Status)
	out := msg.toTextMessage()
	return &out, nil
}

// SendSMS sends an SMS to a phone number.
func (t *TwilioClient) SendSMS(ctx context.Context, to, body string) (*TextMessage, error) {
	if t.fromNumber == "" {
		return nil, fmt.Errorf("no SMS sender number configured")
	}
	return t.send(ctx, t.fromNumber, to, body)
}

// SendWhatsApp sends a WhatsApp message, normalizing the recipient to
// the "whatsapp:" address form Twilio requires.
func (t *TwilioClient) SendWhatsApp(ctx context.Context, to, body string) (*TextMessage, error) {
	if t.whatsAppNumber == "" {
		return nil, fmt.Errorf("no WhatsApp sender number configured")
	}
	if !strings.HasPrefix(to, "whatsapp:") {
		to = "whatsapp:" + to
	}
	return t.send(ctx, t.whatsAppNumber, to, body)
}

// ListMessages returns recent messages, newest first.
func (t *TwilioClient) ListMessages(ctx context.Context, limit int) ([]TextMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	var list struct {
		Messages []twilioMessage `json:"messages"`
	}
	endpoint := t.baseURL + "/Accounts/" + t.accountSID + "/Messages.json?PageSize=" + strconv.Itoa(limit)
	if err := t.do(ctx, http.MethodGet, endpoint, nil, &list); err != nil {
		return nil, err
	}

	out := make([]TextMessage, 0, len(list.Messages))
	for _, m := range list.Messages {
		out = append(out, m.toTextMessage())
	}
	return out, nil
}
