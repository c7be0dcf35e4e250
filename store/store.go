// Package store defines the session and message records the agent supervisor
// reads and writes, the persistence interfaces it consumes, and two
// implementations: an in-memory store and a file-backed store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// PermissionMode controls which tool requests are answered without a human.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// Valid reports whether m is a known mode. The empty mode is treated as default.
func (m PermissionMode) Valid() bool {
	switch m {
	case "", PermissionDefault, PermissionAcceptEdits, PermissionBypass:
		return true
	}
	return false
}

// ReasoningEffort selects the thinking budget handed to the agent.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
	EffortMax    ReasoningEffort = "max"
)

var thinkingTokens = map[ReasoningEffort]int{
	EffortLow:    8000,
	EffortMedium: 16000,
	EffortHigh:   31999,
	EffortMax:    63999,
}

// ThinkingTokens returns the token budget for e, or false for an unset or
// unknown effort.
func (e ReasoningEffort) ThinkingTokens() (int, bool) {
	n, ok := thinkingTokens[e]
	return n, ok
}

// Session is one conversation with its own agent process lifecycle.
type Session struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name,omitempty"`
	Status             Status          `json:"status"`
	ResumeToken        string          `json:"claudeSessionId,omitempty"` // empty starts a fresh conversation
	WorkingDir         string          `json:"cwd,omitempty"`
	Model              string          `json:"model,omitempty"`
	PermissionMode     PermissionMode  `json:"permissionMode,omitempty"`
	AppendSystemPrompt string          `json:"appendSystemPrompt,omitempty"`
	ReasoningEffort    ReasoningEffort `json:"effort,omitempty"`
	QueuedCount        int             `json:"queuedCount"`
	LastError          string          `json:"lastError,omitempty"`
	TotalCostUSD       float64         `json:"totalCostUsd"`
	TotalDurationMs    int64           `json:"totalDurationMs"`
	PID                int             `json:"pid,omitempty"`
	AgentVersion       string          `json:"claudeCodeVersion,omitempty"`
	ActiveModel        string          `json:"activeModel,omitempty"`
	LastModelUsage     json.RawMessage `json:"lastModelUsage,omitempty"`
	UnseenCompleted    bool            `json:"unseenCompleted,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType distinguishes the kinds of records in a conversation.
type MessageType string

const (
	TypeUser              MessageType = "user"
	TypeAssistant         MessageType = "assistant"
	TypeResult            MessageType = "result"
	TypeError             MessageType = "error"
	TypePermissionRequest MessageType = "permission_request"
	TypeShellCommand      MessageType = "shell_command"
	TypeShellResult       MessageType = "shell_result"
)

// Message is one persisted turn or event of a conversation.
type Message struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"sessionId"`
	Role              Role            `json:"role"`
	Type              MessageType     `json:"type"`
	Content           json.RawMessage `json:"content,omitempty"`
	ContentText       string          `json:"contentText,omitempty"`
	ResumeToken       string          `json:"claudeSessionId,omitempty"`
	Model             string          `json:"model,omitempty"`
	IsStreaming       bool            `json:"isStreaming,omitempty"`
	Queued            bool            `json:"queued,omitempty"`
	DurationMs        *int64          `json:"durationMs,omitempty"`
	CostUSD           *float64        `json:"costUsd,omitempty"`
	Usage             json.RawMessage `json:"usage,omitempty"`
	ToolName          string          `json:"toolName,omitempty"`
	ToolInput         json.RawMessage `json:"toolInput,omitempty"`
	AutoResponded     bool            `json:"autoResponded,omitempty"`
	AutoRespondedMode PermissionMode  `json:"autoRespondedMode,omitempty"`
	ShellCommand      string          `json:"shellCommand,omitempty"`
	ShellExitCode     *int            `json:"shellExitCode,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// TextContent builds a content array holding a single text block.
func TextContent(text string) json.RawMessage {
	data, _ := json.Marshal([]map[string]string{{"type": "text", "text": text}})
	return data
}

// SessionPatch is an atomic partial update. Nil fields are left untouched;
// the Inc fields are added to the running totals.
type SessionPatch struct {
	Status          *Status
	ResumeToken     *string
	PermissionMode  *PermissionMode
	QueuedCount     *int
	LastError       *string
	PID             *int
	AgentVersion    *string
	ActiveModel     *string
	LastModelUsage  json.RawMessage
	UnseenCompleted *bool

	IncCostUSD    float64
	IncDurationMs int64
}

func (p SessionPatch) apply(s *Session, now time.Time) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.ResumeToken != nil {
		s.ResumeToken = *p.ResumeToken
	}
	if p.PermissionMode != nil {
		s.PermissionMode = *p.PermissionMode
	}
	if p.QueuedCount != nil {
		s.QueuedCount = *p.QueuedCount
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.PID != nil {
		s.PID = *p.PID
	}
	if p.AgentVersion != nil {
		s.AgentVersion = *p.AgentVersion
	}
	if p.ActiveModel != nil {
		s.ActiveModel = *p.ActiveModel
	}
	if p.LastModelUsage != nil {
		s.LastModelUsage = p.LastModelUsage
	}
	if p.UnseenCompleted != nil {
		s.UnseenCompleted = *p.UnseenCompleted
	}
	s.TotalCostUSD += p.IncCostUSD
	s.TotalDurationMs += p.IncDurationMs
	s.UpdatedAt = now
}

// MessagePatch is a partial message update. Nil fields are left untouched.
type MessagePatch struct {
	Queued            *bool
	CreatedAt         *time.Time
	IsStreaming       *bool
	Content           json.RawMessage
	ContentText       *string
	DurationMs        *int64
	CostUSD           *float64
	Usage             json.RawMessage
	AutoResponded     *bool
	AutoRespondedMode *PermissionMode
}

func (p MessagePatch) apply(m *Message) {
	if p.Queued != nil {
		m.Queued = *p.Queued
	}
	if p.CreatedAt != nil {
		m.CreatedAt = *p.CreatedAt
	}
	if p.IsStreaming != nil {
		m.IsStreaming = *p.IsStreaming
	}
	if p.Content != nil {
		m.Content = p.Content
	}
	if p.ContentText != nil {
		m.ContentText = *p.ContentText
	}
	if p.DurationMs != nil {
		m.DurationMs = p.DurationMs
	}
	if p.CostUSD != nil {
		m.CostUSD = p.CostUSD
	}
	if p.Usage != nil {
		m.Usage = p.Usage
	}
	if p.AutoResponded != nil {
		m.AutoResponded = *p.AutoResponded
	}
	if p.AutoRespondedMode != nil {
		m.AutoRespondedMode = *p.AutoRespondedMode
	}
}

// MessageFilter selects messages. Zero fields match anything.
type MessageFilter struct {
	SessionID        string
	Type             MessageType
	ToolName         string
	NotAutoResponded bool
}

func (f MessageFilter) match(m *Message) bool {
	if f.SessionID != "" && m.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.ToolName != "" && m.ToolName != f.ToolName {
		return false
	}
	if f.NotAutoResponded && m.AutoResponded {
		return false
	}
	return true
}

// SessionStore is the session persistence the supervisor depends on.
type SessionStore interface {
	FindSession(ctx context.Context, id string) (*Session, error)
	// UpdateSession applies patch atomically and returns the updated record.
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error)
}

// MessageStore is the message persistence the supervisor depends on.
type MessageStore interface {
	// InsertMessage assigns an ID and CreatedAt when unset and returns the ID.
	InsertMessage(ctx context.Context, msg *Message) (string, error)
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) (*Message, error)
	// FindMessage returns the most recently inserted match.
	FindMessage(ctx context.Context, filter MessageFilter) (*Message, error)
}

// Store is a complete backend, including the calls the CLI needs to create
// and browse sessions.
type Store interface {
	SessionStore
	MessageStore
	CreateSession(ctx context.Context, s *Session) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
