package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testTwilio(t *testing.T, handler http.HandlerFunc) *TwilioClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client := NewTwilio(TwilioConfig{
		AccountSID:     "AC123",
		AuthToken:      "secret",
		FromNumber:     "+15550001111",
		WhatsAppNumber: "+15550002222",
	})
	client.baseURL = ts.URL
	return client
}

func TestSendSMS(t *testing.T) {
	var gotFrom, gotTo, gotBody string
	client := testTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %s:%s", user, pass)
		}
		r.ParseForm()
		gotFrom, gotTo, gotBody = r.PostForm.Get("From"), r.PostForm.Get("To"), r.PostForm.Get("Body")
		json.NewEncoder(w).Encode(map[string]string{
			"sid": "SM1", "from": gotFrom, "to": gotTo, "body": gotBody, "status": "queued",
		})
	})

	msg, err := client.SendSMS(context.Background(), "+15553334444", "hello")
	if err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if gotFrom != "+15550001111" || gotTo != "+15553334444" || gotBody != "hello" {
		t.Errorf("form = %s -> %s %q", gotFrom, gotTo, gotBody)
	}
	if msg.IsWhatsApp {
		t.Error("SMS flagged as WhatsApp")
	}
}

func TestSendWhatsAppNormalizesAddresses(t *testing.T) {
	var gotFrom, gotTo string
	client := testTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotFrom, gotTo = r.PostForm.Get("From"), r.PostForm.Get("To")
		json.NewEncoder(w).Encode(map[string]string{
			"sid": "SM2", "from": gotFrom, "to": gotTo, "status": "queued",
		})
	})

	msg, err := client.SendWhatsApp(context.Background(), "+15553334444", "ping")
	if err != nil {
		t.Fatalf("SendWhatsApp: %v", err)
	}
	if gotFrom != "whatsapp:+15550002222" {
		t.Errorf("From = %q, want whatsapp-prefixed sender", gotFrom)
	}
	if gotTo != "whatsapp:+15553334444" {
		t.Errorf("To = %q, want whatsapp-prefixed recipient", gotTo)
	}
	if !msg.IsWhatsApp {
		t.Error("IsWhatsApp = false")
	}

	// An already prefixed recipient is not double-prefixed.
	if _, err := client.SendWhatsApp(context.Background(), "whatsapp:+15553334444", "ping"); err != nil {
		t.Fatalf("SendWhatsApp: %v", err)
	}
	if gotTo != "whatsapp:+15553334444" {
		t.Errorf("To = %q after prefixed input", gotTo)
	}
}

func TestListMessages(t *testing.T) {
	client := testTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("PageSize"); got != "5" {
			t.Errorf("PageSize = %q, want 5", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{
				{"sid": "SM3", "from": "whatsapp:+15550002222", "to": "whatsapp:+15553334444", "body": "hi", "status": "delivered"},
				{"sid": "SM4", "from": "+15550001111", "to": "+15553334444", "body": "yo", "status": "sent"},
			},
		})
	})

	msgs, err := client.ListMessages(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !msgs[0].IsWhatsApp || msgs[1].IsWhatsApp {
		t.Errorf("IsWhatsApp flags = %v %v", msgs[0].IsWhatsApp, msgs[1].IsWhatsApp)
	}
}

func TestTwilioNotConfigured(t *testing.T) {
	client := NewTwilio(TwilioConfig{})
	if client.Configured() {
		t.Error("Configured() = true for empty config")
	}
	if _, err := client.ListMessages(context.Background(), 5); err == nil {
		t.Error("ListMessages succeeded without credentials")
	}
}

func TestTwilioAPIError(t *testing.T) {
	client := testTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Invalid 'To' Phone Number"}`))
	})

	_, err := client.SendSMS(context.Background(), "not-a-number", "hi")
	if err == nil {
		t.Fatal("SendSMS succeeded, want HTTP 400 error")
	}
}
