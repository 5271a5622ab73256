package hall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hall-labs/hall/internal/account"
)

// SessionAuth validates API bearer tokens.
type SessionAuth interface {
	UserForSession(ctx context.Context, token string) (*account.User, error)
}

// Server exposes the conversation API: chat, history, clear, health, and
// the SSE activity stream.
type Server struct {
	loop     *Loop
	sessions *Sessions
	auth     SessionAuth
	events   *EventBus
	addr     string
	name     string
	started  time.Time
}

// NewServer assembles the HTTP API.
func NewServer(loop *Loop, sessions *Sessions, auth SessionAuth, events *EventBus, addr, name string) *Server {
	return &Server{
		loop:     loop,
		sessions: sessions,
		auth:     auth,
		events:   events,
		addr:     addr,
		name:     name,
		started:  time.Now(),
	}
}

// Handler returns the route table. Split out so tests can drive it with
// httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat", s.withUser(s.handleChat))
	mux.HandleFunc("/v1/chat/", s.withUser(s.handleConversation))
	mux.HandleFunc("/v1/events", s.withUser(s.handleEvents))
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("http api listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("serve http: %w", err)
	}
}

// withUser authenticates the bearer token and passes the user through.
func (s *Server) withUser(next func(http.ResponseWriter, *http.Request, *account.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := s.auth.UserForSession(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}

		next(w, r, user)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"name":          s.name,
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"conversations": s.sessions.Len(),
	})
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

type chatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversationId"`
}

// handleChat handles POST /v1/chat — one user turn through the loop.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user *account.User) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "missing or invalid message field")
		return
	}

	start := time.Now()
	reply, conversationID, err := s.loop.Converse(r.Context(), user.ID, req.ConversationID, req.Message)
	if err != nil {
		slog.Error("chat turn failed", "user", user.ID, "conversation", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}

	slog.Info("chat turn",
		"user", user.ID,
		"conversation", conversationID,
		"elapsed", time.Since(start).Round(time.Millisecond))

	json.NewEncoder(w).Encode(chatResponse{Response: reply, ConversationID: conversationID})
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleConversation handles GET and DELETE /v1/chat/{id}.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, user *account.User) {
	w.Header().Set("Content-Type", "application/json")

	id := strings.TrimPrefix(r.URL.Path, "/v1/chat/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "unknown conversation path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		// Tool plumbing stays internal: clients only see the user and
		// assistant text exchange.
		messages := []historyMessage{}
		for _, turn := range s.sessions.Get(id) {
			if turn.Role != "user" && turn.Role != "assistant" {
				continue
			}
			text := turn.PlainText()
			if text == "" {
				continue
			}
			messages = append(messages, historyMessage{Role: turn.Role, Content: text})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"conversationId": id,
			"messages":       messages,
		})

	case http.MethodDelete:
		s.sessions.Clear(id)
		slog.Info("conversation cleared", "user", user.ID, "conversation", id)
		json.NewEncoder(w).Encode(map[string]bool{"cleared": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleEvents handles GET /v1/events — SSE activity stream. Sends
// recent events on connect, then streams new ones.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, user *account.User) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := s.events.Subscribe()
	defer s.events.Unsubscribe(done)

	slog.Info("sse client connected", "user", user.ID)

	for _, e := range s.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("sse client disconnected", "user", user.ID)
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
