package claude

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/micktaiwan/panorama-sub002/config"
	"github.com/micktaiwan/panorama-sub002/eventbus"
	"github.com/micktaiwan/panorama-sub002/exec"
	"github.com/micktaiwan/panorama-sub002/store"
)

// testEnv bundles a supervisor with the in-memory store and bus behind it.
type testEnv struct {
	sup   *Supervisor
	store *store.MemoryStore
	bus   *eventbus.Bus
	dir   string
}

type envOption func(*Options)

func withAgent(path string) envOption {
	return func(o *Options) { o.AgentPath = path }
}

func withExecutor(e exec.CommandExecutor) envOption {
	return func(o *Options) { o.Executor = e }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.GracefulStopTimeout = 500 * time.Millisecond
	cfg.ForceKillGrace = 200 * time.Millisecond
	streamLogging := false
	cfg.StreamLogging = &streamLogging
	cfg.DefaultWorkingDir = dir
	cfg.ExtraEnv = map[string]string{"FAKE_DIR": dir}

	st := store.NewMemoryStore()
	bus := eventbus.New()
	o := Options{
		Sessions:  st,
		Messages:  st,
		Bus:       bus,
		Config:    cfg,
		Logger:    testLogger(),
		AgentPath: filepath.Join(dir, "no-agent-configured"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	env := &testEnv{sup: NewSupervisor(o), store: st, bus: bus, dir: dir}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := env.sup.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		bus.Close()
	})
	return env
}

func (e *testEnv) createSession(t *testing.T, s *store.Session) *store.Session {
	t.Helper()
	if s.WorkingDir == "" {
		s.WorkingDir = e.dir
	}
	created, err := e.store.CreateSession(context.Background(), s)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return created
}

func (e *testEnv) session(t *testing.T, id string) *store.Session {
	t.Helper()
	s, err := e.store.FindSession(context.Background(), id)
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	return s
}

func (e *testEnv) messages(t *testing.T, sessionID string) []*store.Message {
	t.Helper()
	msgs, err := e.store.ListMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return msgs
}

func (e *testEnv) messagesOfType(t *testing.T, sessionID string, typ store.MessageType) []*store.Message {
	t.Helper()
	var out []*store.Message
	for _, m := range e.messages(t, sessionID) {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// writeAgent installs a fake agent script and returns its path.
func (e *testEnv) writeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func (e *testEnv) readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func (e *testEnv) lines(t *testing.T, name string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) waitForStatus(t *testing.T, id string, want store.Status) *store.Session {
	t.Helper()
	var s *store.Session
	waitFor(t, "status "+string(want), func() bool {
		s = e.session(t, id)
		return s.Status == want
	})
	return s
}

// stdinBuffer records what the supervisor writes to a fake handle.
type stdinBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *stdinBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *stdinBuffer) Close() error { return nil }

func (b *stdinBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// attachHandle installs a process-less handle as the session's current one.
func (e *testEnv) attachHandle(sessionID string) (*sessionActor, *procHandle, *stdinBuffer) {
	in := &stdinBuffer{}
	exited := make(chan struct{})
	close(exited)
	h := &procHandle{
		id:       uuid.NewString(),
		pid:      4242,
		log:      testLogger(),
		stdin:    in,
		events:   make(chan *streamMessage),
		detached: make(chan struct{}),
		exited:   exited,
	}
	a := e.sup.actor(sessionID)
	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()
	return a, h, in
}

// feed dispatches one protocol line as the handle's reader would.
func (e *testEnv) feed(t *testing.T, a *sessionActor, h *procHandle, line string) {
	t.Helper()
	msg := parseStreamMessage(line, testLogger())
	if msg == nil {
		t.Fatalf("unparseable test line %q", line)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle == h {
		e.sup.dispatch(context.Background(), a, h, msg)
	}
}
