package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// staticTokens hands out one fixed access token.
type staticTokens struct{}

func (staticTokens) Token(ctx context.Context, accountID string) (string, error) {
	return "tok-123", nil
}

func testGoogle(t *testing.T, handler http.HandlerFunc) *GoogleClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	g := NewGoogle(staticTokens{})
	g.gmailBase = ts.URL
	g.calendarBase = ts.URL
	g.tasksBase = ts.URL
	g.peopleBase = ts.URL
	return g
}

func TestBuildRawMessage(t *testing.T) {
	raw := buildRawMessage([]string{
		"To: dest@example.com",
		"Subject: Hello",
	}, "line one\nline two")

	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("raw message is not base64url: %v", err)
	}

	msg := string(decoded)
	if !strings.HasPrefix(msg, "To: dest@example.com\r\nSubject: Hello\r\n\r\n") {
		t.Errorf("raw message = %q, headers not CRLF-joined", msg)
	}
	if !strings.HasSuffix(msg, "line one\nline two") {
		t.Errorf("raw message body = %q", msg)
	}
}

func TestSendEmail(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]string

	g := testGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]string{"id": "msg-1", "threadId": "thr-1"})
	})

	receipt, err := g.SendEmail(context.Background(), "acct-1", "dest@example.com", "Hello", "body text")
	if err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if receipt.ID != "msg-1" || receipt.ThreadID != "thr-1" {
		t.Errorf("receipt = %+v", receipt)
	}
	if gotPath != "/users/me/messages/send" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	decoded, err := base64.RawURLEncoding.DecodeString(gotPayload["raw"])
	if err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if !strings.Contains(string(decoded), "To: dest@example.com") ||
		!strings.Contains(string(decoded), "Subject: Hello") {
		t.Errorf("raw message = %q", decoded)
	}
}

func TestReplyEmailThreads(t *testing.T) {
	var sendPayload map[string]string

	g := testGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages/orig-1"):
			json.NewEncoder(w).Encode(map[string]any{
				"id":       "orig-1",
				"threadId": "thr-9",
				"payload": map[string]any{
					"headers": []map[string]string{
						{"name": "From", "value": "sender@example.com"},
						{"name": "Subject", "value": "Quarterly numbers"},
						{"name": "Message-ID", "value": "<abc@mail.example.com>"},
					},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/messages/send"):
			json.NewDecoder(r.Body).Decode(&sendPayload)
			json.NewEncoder(w).Encode(map[string]string{"id": "reply-1", "threadId": "thr-9"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	receipt, err := g.ReplyEmail(context.Background(), "acct-1", "orig-1", "Looks good.")
	if err != nil {
		t.Fatalf("ReplyEmail: %v", err)
	}
	if receipt.ThreadID != "thr-9" {
		t.Errorf("ThreadID = %q, want thr-9", receipt.ThreadID)
	}
	if sendPayload["threadId"] != "thr-9" {
		t.Errorf("send payload threadId = %q", sendPayload["threadId"])
	}

	decoded, _ := base64.RawURLEncoding.DecodeString(sendPayload["raw"])
	msg := string(decoded)
	for _, want := range []string{
		"To: sender@example.com",
		"Subject: Re: Quarterly numbers",
		"In-Reply-To: <abc@mail.example.com>",
		"References: <abc@mail.example.com>",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("reply message missing %q:\n%s", want, msg)
		}
	}
}

func TestCheckAvailability(t *testing.T) {
	g := testGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/freeBusy" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"calendars": map[string]any{
				"primary": map[string]any{
					"busy": []map[string]string{
						{"start": "2026-08-29T10:00:00Z", "end": "2026-08-29T11:00:00Z"},
					},
				},
			},
		})
	})

	avail, err := g.CheckAvailability(context.Background(), "acct-1",
		"2026-08-29T09:00:00Z", "2026-08-29T12:00:00Z")
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if avail.Available {
		t.Error("Available = true despite a busy span")
	}
	if len(avail.Busy) != 1 || avail.Busy[0].Start != "2026-08-29T10:00:00Z" {
		t.Errorf("Busy = %+v", avail.Busy)
	}
}

func TestGoogleAPIErrorSurfacesStatus(t *testing.T) {
	g := testGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"insufficient scopes"}}`))
	})

	_, err := g.ListEvents(context.Background(), "acct-1", 5)
	if err == nil {
		t.Fatal("ListEvents succeeded, want error")
	}
	if !strings.Contains(err.Error(), "google API HTTP 403") {
		t.Errorf("error = %v, want status code surfaced", err)
	}
}
