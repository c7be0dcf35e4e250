package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/micktaiwan/panorama-sub002/config"
	"github.com/micktaiwan/panorama-sub002/eventbus"
	"github.com/micktaiwan/panorama-sub002/exec"
	"github.com/micktaiwan/panorama-sub002/logger"
	"github.com/micktaiwan/panorama-sub002/process"
	"github.com/micktaiwan/panorama-sub002/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrInvalidBehavior = errors.New("invalid permission behavior")
	ErrInvalidMode     = errors.New("invalid permission mode")
)

// Publisher receives change notifications. Publish must not block.
type Publisher interface {
	Publish(topic string, payload any)
}

// Options configures a Supervisor. Sessions, Messages and Bus are required.
type Options struct {
	Sessions store.SessionStore
	Messages store.MessageStore
	Bus      Publisher
	// Config defaults to config.Default().
	Config *config.Config
	// Executor runs one-shot shell commands. Defaults to exec.GetDefaultExecutor().
	Executor exec.CommandExecutor
	Logger   *slog.Logger
	// AgentPath is the resolved agent binary. Empty means Config.AgentBinary,
	// looked up in PATH at each spawn.
	AgentPath string
}

// Supervisor runs at most one agent process per session and turns its
// protocol stream into session and message updates.
type Supervisor struct {
	sessions  store.SessionStore
	messages  store.MessageStore
	bus       Publisher
	cfg       *config.Config
	policy    *PermissionPolicy
	executor  exec.CommandExecutor
	reaper    *process.Reaper
	log       *slog.Logger
	agentPath string
	now       func() time.Time

	mu     sync.Mutex
	actors map[string]*sessionActor

	// wg tracks dispatch loops and retiring processes.
	wg sync.WaitGroup
}

// sessionActor serializes everything that touches one session's process,
// queue and pending permission.
type sessionActor struct {
	id      string
	mu      sync.Mutex
	handle  *procHandle
	queue   MessageQueue
	pending *PendingPermission
	log     *slog.Logger
}

// NewSupervisor returns a Supervisor with no running processes.
func NewSupervisor(opts Options) *Supervisor {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	executor := opts.Executor
	if executor == nil {
		executor = exec.GetDefaultExecutor()
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithComponent("supervisor")
	}
	agentPath := opts.AgentPath
	if agentPath == "" {
		agentPath = cfg.AgentBinary
	}
	return &Supervisor{
		sessions:  opts.Sessions,
		messages:  opts.Messages,
		bus:       opts.Bus,
		cfg:       cfg,
		policy:    NewPermissionPolicy(cfg.AcceptEditsTools),
		executor:  executor,
		reaper:    process.NewReaper(executor, cfg.GracefulStopTimeout, log),
		log:       log,
		agentPath: agentPath,
		now:       time.Now,
		actors:    make(map[string]*sessionActor),
	}
}

// actor returns the actor for id, creating it on first use.
func (s *Supervisor) actor(id string) *sessionActor {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		a = &sessionActor{id: id, log: s.log.With("sessionID", id)}
		s.actors[id] = a
	}
	return a
}

// lookup returns the actor for id or nil if the session was never touched.
func (s *Supervisor) lookup(id string) *sessionActor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actors[id]
}

func (s *Supervisor) findSession(ctx context.Context, id string) (*store.Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := s.sessions.FindSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return sess, nil
}

// updateSession applies patch and publishes the result. Failures are logged:
// the process lifecycle continues regardless of persistence.
func (s *Supervisor) updateSession(ctx context.Context, a *sessionActor, patch store.SessionPatch) *store.Session {
	sess, err := s.sessions.UpdateSession(ctx, a.id, patch)
	if err != nil {
		a.log.Error("failed to update session", "error", err)
		return nil
	}
	s.bus.Publish(eventbus.TopicSessionUpdated, sess)
	return sess
}

func (s *Supervisor) insertMessage(ctx context.Context, a *sessionActor, msg *store.Message) string {
	id, err := s.messages.InsertMessage(ctx, msg)
	if err != nil {
		a.log.Error("failed to insert message", "type", msg.Type, "error", err)
		return ""
	}
	s.bus.Publish(eventbus.TopicMessageCreated, msg)
	return id
}

func (s *Supervisor) updateMessage(ctx context.Context, a *sessionActor, id string, patch store.MessagePatch) {
	msg, err := s.messages.UpdateMessage(ctx, id, patch)
	if err != nil {
		a.log.Error("failed to update message", "messageID", id, "error", err)
		return
	}
	s.bus.Publish(eventbus.TopicMessageUpdated, msg)
}

// normalizeContent accepts a JSON string or a non-empty array of content
// blocks and returns the stored blocks and their text.
func normalizeContent(content json.RawMessage) (json.RawMessage, string, error) {
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil, "", ErrEmptyContent
		}
		return store.TextContent(text), text, nil
	}
	if !hasBlocks(content) {
		return nil, "", ErrEmptyContent
	}
	return content, joinText(content), nil
}

// SendText sends a plain text user message.
func (s *Supervisor) SendText(ctx context.Context, sessionID, text string) (string, error) {
	content, err := json.Marshal(text)
	if err != nil {
		return "", err
	}
	return s.SendMessage(ctx, sessionID, content)
}

// SendMessage records a user message and delivers it to the session's agent.
// content is a JSON string or an array of content blocks. While a process is
// running the message is queued and sent once the current turn ends. The
// returned id is the persisted message.
func (s *Supervisor) SendMessage(ctx context.Context, sessionID string, content json.RawMessage) (string, error) {
	blocks, text, err := normalizeContent(content)
	if err != nil {
		return "", err
	}
	if _, err := s.findSession(ctx, sessionID); err != nil {
		return "", err
	}

	a := s.actor(sessionID)
	a.mu.Lock()
	defer a.mu.Unlock()

	busy := a.handle != nil || a.queue.Len() > 0
	msg := &store.Message{
		SessionID:   sessionID,
		Role:        store.RoleUser,
		Type:        store.TypeUser,
		Content:     blocks,
		ContentText: text,
		Queued:      busy,
	}
	id, err := s.messages.InsertMessage(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("failed to record message: %w", err)
	}
	s.bus.Publish(eventbus.TopicMessageCreated, msg)

	if busy {
		a.queue.Enqueue(QueuedMessage{MessageID: id, Content: content})
		a.log.Info("queued message", "messageID", id, "queueLength", a.queue.Len())
		s.updateSession(ctx, a, queueCountPatch(a.queue.Len()))
		s.drainLocked(ctx, a)
		return id, nil
	}

	s.spawnLocked(ctx, a, content)
	return id, nil
}

// spawnLocked starts a process for content. Caller holds a.mu and has
// checked that a.handle is nil: SendMessage queues while a process runs and
// drainLocked only pops once the handle is cleared, so a session never has
// two processes.
func (s *Supervisor) spawnLocked(ctx context.Context, a *sessionActor, content json.RawMessage) {
	sess, err := s.sessions.FindSession(ctx, a.id)
	if err != nil {
		a.log.Error("failed to load session for spawn", "error", err)
		return
	}

	h, err := s.start(sess, a.log)
	if err != nil {
		a.log.Error("failed to start agent", "error", err)
		s.updateSession(ctx, a, spawnFailedPatch(err))
		return
	}

	a.handle = h
	s.updateSession(ctx, a, spawnedPatch(h.pid))

	line, err := userInputLine(content)
	if err == nil {
		err = h.write(line)
	}
	if err != nil {
		// The exit path resolves the session if the process is gone.
		a.log.Error("failed to send message to agent", "error", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(a, h)
	}()
}

func (s *Supervisor) start(sess *store.Session, log *slog.Logger) (*procHandle, error) {
	cfg, err := s.processConfigFor(sess)
	if err != nil {
		return nil, err
	}

	var streamLog io.WriteCloser
	if s.cfg.StreamLogEnabled() {
		f, err := logger.OpenStreamLog(sess.ID)
		if err != nil {
			log.Warn("stream log unavailable", "error", err)
		} else {
			streamLog = f
		}
	}

	h, err := startProcess(cfg, streamLog, log)
	if err != nil && streamLog != nil {
		streamLog.Close()
	}
	return h, err
}

// drainLocked sends the oldest queued message when no process is running.
// The queue count is persisted before the spawn. Caller holds a.mu.
func (s *Supervisor) drainLocked(ctx context.Context, a *sessionActor) {
	if a.handle != nil {
		return
	}
	next, ok := a.queue.Pop()
	if !ok {
		return
	}
	a.log.Info("draining queued message", "messageID", next.MessageID, "remaining", a.queue.Len())
	s.updateSession(ctx, a, queueCountPatch(a.queue.Len()))
	s.updateMessage(ctx, a, next.MessageID, store.MessagePatch{
		Queued:    store.Ptr(false),
		CreatedAt: store.Ptr(s.now()),
	})
	s.spawnLocked(ctx, a, next.Content)
}

// clearQueueLocked discards every queued message, marking each one as no
// longer queued. Caller holds a.mu.
func (s *Supervisor) clearQueueLocked(ctx context.Context, a *sessionActor) {
	items := a.queue.Clear()
	if len(items) == 0 {
		return
	}
	a.log.Info("clearing queue", "discarded", len(items))
	for _, item := range items {
		s.updateMessage(ctx, a, item.MessageID, store.MessagePatch{Queued: store.Ptr(false)})
	}
	s.updateSession(ctx, a, queueCountPatch(0))
}

// Kill stops the session's process, discarding queued messages and any
// pending permission, and leaves the session idle. Killing an idle session
// is a no-op apart from re-asserting the idle status.
func (s *Supervisor) Kill(ctx context.Context, sessionID string) error {
	if _, err := s.findSession(ctx, sessionID); err != nil {
		return err
	}
	a := s.actor(sessionID)

	a.mu.Lock()
	s.clearQueueLocked(ctx, a)
	a.pending = nil
	h := a.handle
	a.handle = nil
	a.mu.Unlock()

	if h != nil {
		a.log.Info("killing process", "pid", h.pid)
		h.terminate(s.cfg.GracefulStopTimeout, s.cfg.ForceKillGrace)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// A message sent while the process was stopping may already have
	// started a new one.
	if a.handle == nil {
		s.updateSession(ctx, a, killedPatch())
	}
	s.drainLocked(ctx, a)
	return nil
}

// Dequeue removes a queued message before it is sent. It reports whether
// the message was still queued.
func (s *Supervisor) Dequeue(ctx context.Context, sessionID, messageID string) bool {
	a := s.lookup(sessionID)
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.queue.Dequeue(messageID) {
		return false
	}
	a.log.Info("dequeued message", "messageID", messageID)
	s.updateSession(ctx, a, queueCountPatch(a.queue.Len()))
	s.updateMessage(ctx, a, messageID, store.MessagePatch{Queued: store.Ptr(false)})
	return true
}

// IsRunning reports whether the session has a live agent process.
func (s *Supervisor) IsRunning(sessionID string) bool {
	a := s.lookup(sessionID)
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle != nil
}

// QueueLength returns the number of messages waiting for the session.
func (s *Supervisor) QueueLength(sessionID string) int {
	a := s.lookup(sessionID)
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.Len()
}

// PendingPermission returns a copy of the open permission request, if any.
func (s *Supervisor) PendingPermission(sessionID string) (PendingPermission, bool) {
	a := s.lookup(sessionID)
	if a == nil {
		return PendingPermission{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return PendingPermission{}, false
	}
	return *a.pending, true
}

// Shutdown kills every running session in parallel and waits for the
// supervisor's goroutines, or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		if !s.IsRunning(id) {
			continue
		}
		g.Go(func() error {
			return s.Kill(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover marks sessions left running by a previous supervisor as
// interrupted, first stopping any agent that outlived it. It must run
// before any session is used.
func (s *Supervisor) Recover(ctx context.Context, sessions []*store.Session) int {
	n := 0
	for _, sess := range sessions {
		if sess.Status != store.StatusRunning || s.IsRunning(sess.ID) {
			continue
		}
		if sess.PID > 0 {
			stopped, err := s.reaper.Reap(ctx, sess.PID, s.agentPath)
			if err != nil {
				s.log.Warn("failed to stop orphaned agent", "sessionID", sess.ID, "pid", sess.PID, "error", err)
			} else if stopped {
				s.log.Info("stopped orphaned agent", "sessionID", sess.ID, "pid", sess.PID)
			}
		}
		a := s.actor(sess.ID)
		a.mu.Lock()
		if s.updateSession(ctx, a, interruptedPatch()) != nil {
			n++
		}
		a.mu.Unlock()
	}
	return n
}
