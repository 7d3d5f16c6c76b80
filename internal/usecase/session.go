package usecase

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"forgecli/internal/domain"
)

// TodoItem is one entry in a session's task list.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Session represents one active conversation. The runtime core mutates it in
// memory; persistence belongs to a SessionStore.
type Session struct {
	mu            sync.RWMutex
	ID            string           `json:"id"`
	Msgs          []domain.Message `json:"messages"`
	Todos         []TodoItem       `json:"todos,omitempty"`
	ContextWindow int              `json:"context_window"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// SessionUpdate is a partial update; nil fields are left untouched.
type SessionUpdate struct {
	Messages      *[]domain.Message
	Todos         *[]TodoItem
	ContextWindow *int
}

// SessionStore is the persistence collaborator. The runtime core never
// persists state itself.
type SessionStore interface {
	Read(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Update(ctx context.Context, id string, u SessionUpdate) error
}

// NewSession creates an empty session with a generated ULID and the given
// model context-window size in tokens.
func NewSession(contextWindow int) *Session {
	now := time.Now()
	return &Session{
		ID:            generateULID(now),
		Msgs:          make([]domain.Message, 0),
		ContextWindow: contextWindow,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddMessage appends a message and updates the timestamp (thread-safe).
func (s *Session) AddMessage(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Msgs = append(s.Msgs, msg)
	s.UpdatedAt = time.Now()
}

// Messages returns a copy of the message history (thread-safe).
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.Msgs))
	copy(cp, s.Msgs)
	return cp
}

// MessageCount returns the number of messages without copying.
func (s *Session) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Msgs)
}

// TodoList returns a copy of the session's todos.
func (s *Session) TodoList() []TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]TodoItem, len(s.Todos))
	copy(cp, s.Todos)
	return cp
}

// Window returns the context-window size in tokens.
func (s *Session) Window() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ContextWindow
}

// Apply merges a partial update into the session.
func (s *Session) Apply(u SessionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Messages != nil {
		s.Msgs = append([]domain.Message(nil), (*u.Messages)...)
	}
	if u.Todos != nil {
		s.Todos = append([]TodoItem(nil), (*u.Todos)...)
	}
	if u.ContextWindow != nil {
		s.ContextWindow = *u.ContextWindow
	}
	s.UpdatedAt = time.Now()
}

// ReplacePrefix swaps everything but the most recent keepRecent messages for
// the given summary message. No-op when the history is already short enough.
func (s *Session) ReplacePrefix(summary domain.Message, keepRecent int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.Msgs) <= keepRecent {
		return
	}

	recent := make([]domain.Message, keepRecent)
	copy(recent, s.Msgs[len(s.Msgs)-keepRecent:])

	s.Msgs = append([]domain.Message{summary}, recent...)
	s.UpdatedAt = time.Now()
}
