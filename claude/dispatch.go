package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/micktaiwan/panorama-sub002/eventbus"
	"github.com/micktaiwan/panorama-sub002/store"
)

// dispatchLoop applies h's events in emission order, then its exit. Events
// from a handle that is no longer the session's current one are dropped.
func (s *Supervisor) dispatchLoop(a *sessionActor, h *procHandle) {
	ctx := context.Background()
	for msg := range h.events {
		a.mu.Lock()
		if a.handle == h {
			s.dispatch(ctx, a, h, msg)
		}
		a.mu.Unlock()
	}

	<-h.exited
	a.mu.Lock()
	defer a.mu.Unlock()
	s.handleExitLocked(ctx, a, h)
}

// dispatch routes one protocol message. Caller holds a.mu and h is current.
func (s *Supervisor) dispatch(ctx context.Context, a *sessionActor, h *procHandle, msg *streamMessage) {
	switch msg.Type {
	case msgTypeSystem:
		if msg.Subtype == subtypeInit {
			s.handleInit(ctx, a, msg)
			return
		}
		a.log.Debug("ignoring system message", "subtype", msg.Subtype)
	case msgTypeAssistant:
		s.handleAssistant(ctx, a, h, msg)
	case msgTypeResult:
		if msg.isErrorResult() {
			s.handleResultError(ctx, a, h, msg)
		} else {
			s.handleResultSuccess(ctx, a, h, msg)
		}
	case msgTypeControlRequest:
		s.handleControlRequest(ctx, a, h, msg)
	case msgTypeUser:
		// Tool results echoed back by the agent.
	default:
		a.log.Debug("unhandled message", "type", msg.Type, "subtype", msg.Subtype)
	}
}

func (s *Supervisor) handleInit(ctx context.Context, a *sessionActor, msg *streamMessage) {
	a.log.Info("agent initialized", "resumeToken", msg.SessionID, "model", msg.Model, "version", msg.AgentVersion)
	s.updateSession(ctx, a, initPatch(msg))
}

func (s *Supervisor) handleAssistant(ctx context.Context, a *sessionActor, h *procHandle, msg *streamMessage) {
	if msg.Message == nil {
		a.log.Warn("assistant message without payload")
		return
	}
	m := &store.Message{
		SessionID:   a.id,
		Role:        store.RoleAssistant,
		Type:        store.TypeAssistant,
		Content:     msg.Message.Content,
		ContentText: joinText(msg.Message.Content),
		ResumeToken: msg.SessionID,
		Model:       msg.Message.Model,
	}
	if id := s.insertMessage(ctx, a, m); id != "" {
		h.currentAssistantID = id
	}
}

func (s *Supervisor) handleResultSuccess(ctx context.Context, a *sessionActor, h *procHandle, msg *streamMessage) {
	blocks := msg.resultContent()
	text := joinText(blocks)
	a.log.Info("turn completed", "cost", msg.cost(), "durationMs", msg.DurationMs, "queued", a.queue.Len())

	switch {
	case h.currentAssistantID != "":
		patch := store.MessagePatch{
			IsStreaming: store.Ptr(false),
			DurationMs:  msg.DurationMs,
			CostUSD:     msg.cost(),
			Usage:       msg.Usage,
		}
		if blocks != nil {
			patch.Content = blocks
		}
		if text != "" {
			patch.ContentText = store.Ptr(text)
		}
		s.updateMessage(ctx, a, h.currentAssistantID, patch)
	case blocks != nil || (msg.Result != nil && msg.Result.Text != ""):
		if blocks == nil {
			blocks = store.TextContent(msg.Result.Text)
			text = msg.Result.Text
		}
		s.insertMessage(ctx, a, &store.Message{
			SessionID:   a.id,
			Role:        store.RoleAssistant,
			Type:        store.TypeResult,
			Content:     blocks,
			ContentText: text,
			ResumeToken: msg.SessionID,
			Model:       msg.Model,
			DurationMs:  msg.DurationMs,
			CostUSD:     msg.cost(),
			Usage:       msg.Usage,
		})
	}

	s.updateSession(ctx, a, resultSuccessPatch(msg, a.queue.Len()))
	s.finishTurnLocked(ctx, a, h)
}

func (s *Supervisor) handleResultError(ctx context.Context, a *sessionActor, h *procHandle, msg *streamMessage) {
	errText := msg.errorText()
	a.log.Warn("agent reported error", "subtype", msg.Subtype, "error", errText)

	s.insertMessage(ctx, a, &store.Message{
		SessionID:   a.id,
		Role:        store.RoleSystem,
		Type:        store.TypeError,
		Content:     store.TextContent(errText),
		ContentText: errText,
	})
	s.updateSession(ctx, a, resultErrorPatch(errText, a.queue.Len()))
	s.finishTurnLocked(ctx, a, h)
}

// finishTurnLocked releases a process whose turn has ended and sends the
// next queued message. The released process is retired in the background;
// its exit is stale by then and changes nothing.
func (s *Supervisor) finishTurnLocked(ctx context.Context, a *sessionActor, h *procHandle) {
	h.currentAssistantID = ""
	a.handle = nil
	a.pending = nil
	h.detach()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.retire(s.cfg.GracefulStopTimeout, s.cfg.ForceKillGrace)
	}()

	s.drainLocked(ctx, a)
}

// handleExitLocked resolves a session whose process ended without a result.
// Caller holds a.mu.
func (s *Supervisor) handleExitLocked(ctx context.Context, a *sessionActor, h *procHandle) {
	if a.handle != h {
		a.log.Debug("ignoring exit of stale process", "handle", h.id, "pid", h.pid)
		return
	}
	a.handle = nil
	a.pending = nil
	a.log.Info("process exited", "pid", h.pid, "code", h.status.code, "signal", h.status.signal)

	sess, err := s.sessions.FindSession(ctx, a.id)
	if err != nil {
		a.log.Error("failed to load session after exit", "error", err)
		return
	}
	if sess.Status == store.StatusRunning {
		if h.status.abnormal() {
			a.log.Warn("process exited abnormally", "status", h.status.String(), "queued", a.queue.Len())
		}
		s.updateSession(ctx, a, exitPatch(h.status, a.queue.Len()))
	}
	s.drainLocked(ctx, a)
}

func (s *Supervisor) handleControlRequest(ctx context.Context, a *sessionActor, h *procHandle, msg *streamMessage) {
	if msg.Request == nil || msg.RequestID == "" {
		a.log.Warn("malformed control request", "requestID", msg.RequestID)
		return
	}
	tool := msg.Request.ToolName

	sess, err := s.sessions.FindSession(ctx, a.id)
	if err != nil {
		a.log.Error("failed to load session for permission check", "error", err)
		return
	}
	if s.policy.ShouldAutoAllow(sess.PermissionMode, tool) {
		a.log.Info("auto-allowing tool", "tool", tool, "mode", sess.PermissionMode)
		s.writeDecision(a, h, msg.RequestID, allowDecision(msg.Request.Input))
		return
	}

	a.pending = &PendingPermission{
		RequestID: msg.RequestID,
		ToolName:  tool,
		ToolInput: msg.Request.Input,
	}
	a.log.Info("permission requested", "tool", tool, "requestID", msg.RequestID)

	text := fmt.Sprintf("Tool **%s** requires permission.", tool)
	s.insertMessage(ctx, a, &store.Message{
		SessionID:   a.id,
		Role:        store.RoleSystem,
		Type:        store.TypePermissionRequest,
		Content:     store.TextContent(text),
		ContentText: text,
		ToolName:    tool,
		ToolInput:   msg.Request.Input,
	})
}

func (s *Supervisor) writeDecision(a *sessionActor, h *procHandle, requestID string, decision PermissionDecision) error {
	line, err := controlResponseLine(requestID, decision)
	if err == nil {
		err = h.write(line)
	}
	if err != nil {
		a.log.Error("failed to send permission response", "requestID", requestID, "error", err)
	}
	return err
}

// RespondToPermission answers the session's open permission request with
// allow, allowAll or deny. updatedInput, when set, replaces the tool input
// for allow and allowAll. A response with no open request or no running
// process is dropped.
func (s *Supervisor) RespondToPermission(ctx context.Context, sessionID, behavior string, updatedInput json.RawMessage) error {
	if !validBehavior(behavior) {
		return fmt.Errorf("%w: %q", ErrInvalidBehavior, behavior)
	}
	a := s.lookup(sessionID)
	if a == nil {
		s.log.Info("dropping permission response for idle session", "sessionID", sessionID)
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pending := a.pending
	a.pending = nil
	if pending == nil {
		a.log.Info("dropping permission response: nothing pending")
		return nil
	}
	if a.handle == nil {
		a.log.Info("dropping permission response: no active process", "tool", pending.ToolName)
		return nil
	}

	a.log.Info("permission answered", "tool", pending.ToolName, "behavior", behavior)
	if err := s.writeDecision(a, a.handle, pending.RequestID, decisionFor(behavior, pending, updatedInput)); err != nil {
		return err
	}
	if behavior == BehaviorAllowAll {
		s.updateSession(ctx, a, store.SessionPatch{PermissionMode: store.Ptr(store.PermissionAcceptEdits)})
	}
	return nil
}

// SyncPermissionMode resolves the open permission request when mode now
// allows its tool, as if the request had arrived under that mode. It does
// not persist mode; see SetPermissionMode.
func (s *Supervisor) SyncPermissionMode(ctx context.Context, sessionID string, mode store.PermissionMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	a := s.lookup(sessionID)
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pending := a.pending
	if pending == nil || a.handle == nil || !s.policy.ShouldAutoAllow(mode, pending.ToolName) {
		return nil
	}

	a.log.Info("auto-allowing pending tool after mode change", "tool", pending.ToolName, "mode", mode)
	a.pending = nil
	decision := allowDecision(pending.ToolInput)
	decision.UpdatedPermissions = setModeUpdate(mode)
	if err := s.writeDecision(a, a.handle, pending.RequestID, decision); err != nil {
		return err
	}

	req, err := s.messages.FindMessage(ctx, store.MessageFilter{
		SessionID:        a.id,
		Type:             store.TypePermissionRequest,
		ToolName:         pending.ToolName,
		NotAutoResponded: true,
	})
	if err != nil {
		a.log.Debug("no permission message to mark", "error", err)
		return nil
	}
	s.updateMessage(ctx, a, req.ID, store.MessagePatch{
		AutoResponded:     store.Ptr(true),
		AutoRespondedMode: store.Ptr(mode),
	})
	return nil
}

// SetPermissionMode persists mode on the session and resolves an open
// request it now allows.
func (s *Supervisor) SetPermissionMode(ctx context.Context, sessionID string, mode store.PermissionMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	sess, err := s.sessions.UpdateSession(ctx, sessionID, store.SessionPatch{PermissionMode: store.Ptr(mode)})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update permission mode: %w", err)
	}
	s.bus.Publish(eventbus.TopicSessionUpdated, sess)
	return s.SyncPermissionMode(ctx, sessionID, mode)
}
