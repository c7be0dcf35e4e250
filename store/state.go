package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// state is the record set shared by the memory and file stores. It is not
// safe for concurrent use; callers serialize access.
type state struct {
	Sessions []*Session `json:"sessions"`
	Messages []*Message `json:"messages"`
}

func (st *state) session(id string) *Session {
	for _, s := range st.Sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (st *state) message(id string) *Message {
	for _, m := range st.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (st *state) createSession(s *Session, now time.Time) (*Session, error) {
	cp := *s
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if st.session(cp.ID) != nil {
		return nil, fmt.Errorf("session %s already exists", cp.ID)
	}
	if cp.Status == "" {
		cp.Status = StatusIdle
	}
	if cp.PermissionMode == "" {
		cp.PermissionMode = PermissionDefault
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	st.Sessions = append(st.Sessions, &cp)
	out := cp
	return &out, nil
}

func (st *state) findSession(id string) (*Session, error) {
	s := st.session(id)
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (st *state) updateSession(id string, patch SessionPatch, now time.Time) (*Session, error) {
	s := st.session(id)
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	patch.apply(s, now)
	cp := *s
	return &cp, nil
}

func (st *state) listSessions() []*Session {
	out := make([]*Session, 0, len(st.Sessions))
	for _, s := range st.Sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (st *state) insertMessage(msg *Message, now time.Time) string {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	cp := *msg
	st.Messages = append(st.Messages, &cp)
	return cp.ID
}

func (st *state) updateMessage(id string, patch MessagePatch) (*Message, error) {
	m := st.message(id)
	if m == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	patch.apply(m)
	cp := *m
	return &cp, nil
}

func (st *state) findMessage(filter MessageFilter) (*Message, error) {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if m := st.Messages[i]; filter.match(m) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// listMessages returns a session's messages ordered by CreatedAt.
func (st *state) listMessages(sessionID string) []*Message {
	var out []*Message
	for _, m := range st.Messages {
		if m.SessionID == sessionID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
