package hall

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the activity stream.
const (
	EventChat   = "chat"   // user or assistant message
	EventTool   = "tool"   // a tool call finished
	EventStatus = "status" // lifecycle info
	EventError  = "error"  // failure notification
)

// Event is one entry on the activity stream clients consume over SSE.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Role           string `json:"role,omitempty"` // chat: "user" or "assistant"
	Content        string `json:"content,omitempty"`
	Tool           string `json:"tool,omitempty"` // tool: tool name
	Message        string `json:"message,omitempty"`
	TS             string `json:"ts"`
}

// MarshalEvent serializes an event to JSON, stamping TS if unset.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans events out to all connected stream clients. Thread-safe.
// Subscribers that fall behind lose events rather than block publishers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recentMu  sync.RWMutex
	recent    []Event
	maxRecent int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish delivers an event to every subscriber without blocking.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.recentMu.Lock()
	eb.recent = append(eb.recent, e)
	if len(eb.recent) > eb.maxRecent {
		eb.recent = eb.recent[len(eb.recent)-eb.maxRecent:]
	}
	eb.recentMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for sub := range eb.subscribers {
		select {
		case sub.ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribe registers a client. The caller must call Unsubscribe with the
// returned done channel when finished.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes the subscriber identified by done.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}

// Recent returns up to n of the most recent events, oldest first.
func (eb *EventBus) Recent(n int) []Event {
	eb.recentMu.RLock()
	defer eb.recentMu.RUnlock()
	if n <= 0 || n > len(eb.recent) {
		n = len(eb.recent)
	}
	out := make([]Event, n)
	copy(out, eb.recent[len(eb.recent)-n:])
	return out
}
