package hall

import (
	"sync"

	"github.com/hall-labs/hall/internal/llm"
)

const (
	// defaultSessionCapacity bounds how many conversations are cached.
	defaultSessionCapacity = 100
	// defaultMaxTurns bounds the history kept per conversation.
	defaultMaxTurns = 100
)

// Sessions is the in-memory conversation cache. Capacity is enforced by
// insertion order: when a new conversation would exceed it, the oldest
// conversation by first insertion is dropped, regardless of recent use.
// Process restart loses all history.
type Sessions struct {
	mu       sync.Mutex
	turns    map[string][]llm.ToolMessage
	order    []string
	capacity int
	maxTurns int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSessions creates a cache with the given conversation capacity.
// capacity <= 0 uses the default.
func NewSessions(capacity int) *Sessions {
	if capacity <= 0 {
		capacity = defaultSessionCapacity
	}
	return &Sessions{
		turns:    make(map[string][]llm.ToolMessage),
		capacity: capacity,
		maxTurns: defaultMaxTurns,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Get returns a copy of the conversation's turns. An unknown id returns
// nil, which callers treat as a fresh conversation.
func (s *Sessions) Get(id string) []llm.ToolMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.turns[id]
	if !ok {
		return nil
	}
	out := make([]llm.ToolMessage, len(stored))
	copy(out, stored)
	return out
}

// Put stores the conversation's turns, trimming oversized histories and
// evicting the oldest conversation when a new id exceeds capacity.
func (s *Sessions) Put(id string, turns []llm.ToolMessage) {
	turns = trimTurns(turns, s.maxTurns)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.turns[id]; !exists {
		if len(s.order) >= s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.turns, oldest)
		}
		s.order = append(s.order, id)
	}

	stored := make([]llm.ToolMessage, len(turns))
	copy(stored, turns)
	s.turns[id] = stored
}

// Clear removes a conversation. Clearing an unknown id is a no-op.
func (s *Sessions) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.turns[id]; !ok {
		return
	}
	delete(s.turns, id)
	for i, known := range s.order {
		if known == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len reports how many conversations are cached.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Lock serializes access to one conversation id. The returned func
// releases the lock.
func (s *Sessions) Lock(id string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// trimTurns keeps the most recent max turns, then drops leading turns
// until the history starts with a plain user turn. A history that starts
// mid tool exchange is rejected by the model API.
func trimTurns(turns []llm.ToolMessage, max int) []llm.ToolMessage {
	if len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	for len(turns) > 0 {
		first := turns[0]
		if first.Role == "user" && len(first.Content) > 0 && first.Content[0].Type == "text" {
			break
		}
		turns = turns[1:]
	}
	return turns
}
