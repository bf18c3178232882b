package history

import (
	"sync"

	"mailbot.local/orchestrator/internal/model"
)

const DefaultLimit = 10

// Store is the per-user bounded transcript used to seed the next turn.
// Load returns a copy; Save replaces the entry wholesale and truncates to
// the trailing window.
type Store interface {
	Load(userID string) []model.Message
	Save(userID string, messages []model.Message)
}

type MemoryStore struct {
	limit int

	mu     sync.Mutex
	byUser map[string][]model.Message
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{
		limit:  limit,
		byUser: make(map[string][]model.Message),
	}
}

func (s *MemoryStore) Load(userID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.byUser[userID]
	out := make([]model.Message, len(stored))
	copy(out, stored)
	return out
}

func (s *MemoryStore) Save(userID string, messages []model.Message) {
	if len(messages) > s.limit {
		messages = messages[len(messages)-s.limit:]
	}
	stored := make([]model.Message, len(messages))
	copy(stored, messages)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[userID] = stored
}
