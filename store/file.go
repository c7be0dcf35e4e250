package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	stateFileName = "state.json"
	lockFileName  = "state.lock"
)

// FileStore persists sessions and messages as JSON in a directory. Every
// operation reloads the file under an exclusive flock, so several supervisor
// processes may share one directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Dir returns the directory backing the store.
func (f *FileStore) Dir() string {
	return f.dir
}

// withState runs fn against the on-disk state. When write is true the state
// is saved afterwards unless fn fails.
func (f *FileStore) withState(write bool, fn func(st *state) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lock := flock.New(filepath.Join(f.dir, lockFileName))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	st, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if !write {
		return nil
	}
	return f.save(st)
}

func (f *FileStore) load() (*state, error) {
	st := &state{}
	data, err := os.ReadFile(filepath.Join(f.dir, stateFileName))
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parse store: %w", err)
	}
	return st, nil
}

func (f *FileStore) save(st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	tmp := filepath.Join(f.dir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(f.dir, stateFileName)); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (f *FileStore) CreateSession(_ context.Context, s *Session) (*Session, error) {
	var out *Session
	err := f.withState(true, func(st *state) error {
		var err error
		out, err = st.createSession(s, f.now())
		return err
	})
	return out, err
}

func (f *FileStore) FindSession(_ context.Context, id string) (*Session, error) {
	var out *Session
	err := f.withState(false, func(st *state) error {
		var err error
		out, err = st.findSession(id)
		return err
	})
	return out, err
}

func (f *FileStore) UpdateSession(_ context.Context, id string, patch SessionPatch) (*Session, error) {
	var out *Session
	err := f.withState(true, func(st *state) error {
		var err error
		out, err = st.updateSession(id, patch, f.now())
		return err
	})
	return out, err
}

func (f *FileStore) ListSessions(_ context.Context) ([]*Session, error) {
	var out []*Session
	err := f.withState(false, func(st *state) error {
		out = st.listSessions()
		return nil
	})
	return out, err
}

func (f *FileStore) InsertMessage(_ context.Context, msg *Message) (string, error) {
	var id string
	err := f.withState(true, func(st *state) error {
		id = st.insertMessage(msg, f.now())
		return nil
	})
	return id, err
}

func (f *FileStore) UpdateMessage(_ context.Context, id string, patch MessagePatch) (*Message, error) {
	var out *Message
	err := f.withState(true, func(st *state) error {
		var err error
		out, err = st.updateMessage(id, patch)
		return err
	})
	return out, err
}

func (f *FileStore) FindMessage(_ context.Context, filter MessageFilter) (*Message, error) {
	var out *Message
	err := f.withState(false, func(st *state) error {
		var err error
		out, err = st.findMessage(filter)
		return err
	})
	return out, err
}

func (f *FileStore) ListMessages(_ context.Context, sessionID string) ([]*Message, error) {
	var out []*Message
	err := f.withState(false, func(st *state) error {
		out = st.listMessages(sessionID)
		return nil
	})
	return out, err
}
