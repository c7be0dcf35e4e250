package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions and messages in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	st  state
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createSession(s, m.now())
}

func (m *MemoryStore) FindSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.findSession(id)
}

func (m *MemoryStore) UpdateSession(_ context.Context, id string, patch SessionPatch) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateSession(id, patch, m.now())
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.listSessions(), nil
}

func (m *MemoryStore) InsertMessage(_ context.Context, msg *Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertMessage(msg, m.now()), nil
}

func (m *MemoryStore) UpdateMessage(_ context.Context, id string, patch MessagePatch) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateMessage(id, patch)
}

func (m *MemoryStore) FindMessage(_ context.Context, filter MessageFilter) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.findMessage(filter)
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.listMessages(sessionID), nil
}

// Message returns a copy of the message with the given id, or nil.
func (m *MemoryStore) Message(id string) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.st.message(id)
	if msg == nil {
		return nil
	}
	cp := *msg
	return &cp
}
