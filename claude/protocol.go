package claude

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/micktaiwan/panorama-sub002/store"
)

// Wire message types emitted by the agent on stdout.
const (
	msgTypeSystem         = "system"
	msgTypeAssistant      = "assistant"
	msgTypeUser           = "user"
	msgTypeResult         = "result"
	msgTypeControlRequest = "control_request"

	subtypeInit                 = "init"
	subtypeError                = "error"
	subtypeErrorDuringExecution = "error_during_execution"
)

// streamMessage is one line of the agent's stream-json output. Only the
// fields the supervisor acts on are decoded.
type streamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id,omitempty"`

	// system/init
	Model        string `json:"model,omitempty"`
	AgentVersion string `json:"claude_code_version,omitempty"`

	// assistant
	Message *assistantPayload `json:"message,omitempty"`

	// result
	Result       *resultField    `json:"result,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Error        string          `json:"error,omitempty"`
	Errors       []string        `json:"errors,omitempty"`
	CostUSD      *float64        `json:"cost_usd,omitempty"`
	TotalCostUSD *float64        `json:"total_cost_usd,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
	ModelUsage   json.RawMessage `json:"modelUsage,omitempty"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
}

type assistantPayload struct {
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type controlRequest struct {
	Subtype  string          `json:"subtype,omitempty"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// resultField holds the "result" member of a result event, which is either
// the final text or an object carrying content blocks and an error.
type resultField struct {
	Text    string
	Content json.RawMessage
	Error   string
}

func (f *resultField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.Text = s
		return nil
	}
	var obj struct {
		Content json.RawMessage `json:"content"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	f.Content = obj.Content
	f.Error = obj.Error
	return nil
}

// parseStreamMessage decodes one protocol line. Blank lines and lines that
// are not JSON objects yield nil; a decode failure is logged and dropped.
func parseStreamMessage(line string, log *slog.Logger) *streamMessage {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "{") {
		log.Warn("skipping non-JSON line", "line", truncateForLog(line))
		return nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("failed to parse stream message", "error", err, "line", truncateForLog(line))
		return nil
	}
	return &msg
}

// isErrorResult reports whether a result event signals failure.
func (m *streamMessage) isErrorResult() bool {
	return m.Subtype == subtypeErrorDuringExecution || m.Subtype == subtypeError
}

// errorText is the message recorded for a failed result.
func (m *streamMessage) errorText() string {
	switch {
	case m.Error != "":
		return m.Error
	case m.Result != nil && m.Result.Error != "":
		return m.Result.Error
	case len(m.Errors) > 0:
		return strings.Join(m.Errors, "\n")
	}
	return fmt.Sprintf("Claude exited with error: %s", m.Subtype)
}

// resultContent returns the content blocks carried by a result event.
func (m *streamMessage) resultContent() json.RawMessage {
	if m.Result != nil && hasBlocks(m.Result.Content) {
		return m.Result.Content
	}
	if hasBlocks(m.Content) {
		return m.Content
	}
	return nil
}

// cost prefers the per-turn cost and falls back to the cumulative field
// newer agent versions report.
func (m *streamMessage) cost() *float64 {
	if m.CostUSD != nil {
		return m.CostUSD
	}
	return m.TotalCostUSD
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func hasBlocks(raw json.RawMessage) bool {
	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return false
	}
	return len(blocks) > 0
}

// joinText concatenates the text blocks of a content array with newlines.
func joinText(raw json.RawMessage) string {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// userInputLine encodes an outgoing user turn. content is a JSON string or
// an array of content blocks.
func userInputLine(content json.RawMessage) ([]byte, error) {
	line, err := json.Marshal(struct {
		Type    string `json:"type"`
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}{
		Type: msgTypeUser,
		Message: struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}{Role: "user", Content: content},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode user message: %w", err)
	}
	return append(line, '\n'), nil
}

// Permission behaviors accepted by RespondToPermission.
const (
	BehaviorAllow    = "allow"
	BehaviorAllowAll = "allowAll"
	BehaviorDeny     = "deny"
)

const denyMessage = "User denied"

// PermissionDecision is the inner payload of a control_response.
type PermissionDecision struct {
	Behavior           string             `json:"behavior"`
	UpdatedInput       json.RawMessage    `json:"updatedInput,omitempty"`
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`
	Message            string             `json:"message,omitempty"`
}

// PermissionUpdate asks the agent to change its own permission settings.
type PermissionUpdate struct {
	Type        string               `json:"type"`
	Mode        store.PermissionMode `json:"mode"`
	Destination string               `json:"destination"`
}

func setModeUpdate(mode store.PermissionMode) []PermissionUpdate {
	return []PermissionUpdate{{Type: "setMode", Mode: mode, Destination: "session"}}
}

func allowDecision(input json.RawMessage) PermissionDecision {
	return PermissionDecision{Behavior: "allow", UpdatedInput: emptyObjectIfNil(input)}
}

func denyDecision() PermissionDecision {
	return PermissionDecision{Behavior: "deny", Message: denyMessage}
}

func emptyObjectIfNil(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}

// controlResponseLine encodes the answer to a control_request.
func controlResponseLine(requestID string, decision PermissionDecision) ([]byte, error) {
	type body struct {
		Subtype   string             `json:"subtype"`
		RequestID string             `json:"request_id"`
		Response  PermissionDecision `json:"response"`
	}
	line, err := json.Marshal(struct {
		Type     string `json:"type"`
		Response body   `json:"response"`
	}{
		Type:     "control_response",
		Response: body{Subtype: "success", RequestID: requestID, Response: decision},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode control response: %w", err)
	}
	return append(line, '\n'), nil
}

// truncateForLog truncates a string for logging purposes
func truncateForLog(s string) string {
	return truncateString(s, 200)
}

// truncateString cuts s to at most maxLen bytes without splitting a rune.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
