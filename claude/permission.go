package claude

import (
	"encoding/json"

	"github.com/micktaiwan/panorama-sub002/store"
)

// PendingPermission is a tool request waiting for a human decision.
type PendingPermission struct {
	RequestID string
	ToolName  string
	ToolInput json.RawMessage
}

// PermissionPolicy decides which tool requests are answered automatically.
type PermissionPolicy struct {
	acceptEdits map[string]struct{}
}

// NewPermissionPolicy returns a policy whose acceptEdits whitelist is
// AcceptEditsTools plus extra.
func NewPermissionPolicy(extra []string) *PermissionPolicy {
	tools := ComposeTools(AcceptEditsTools, extra)
	p := &PermissionPolicy{acceptEdits: make(map[string]struct{}, len(tools))}
	for _, t := range tools {
		p.acceptEdits[t] = struct{}{}
	}
	return p
}

// ShouldAutoAllow reports whether mode grants tool without asking.
func (p *PermissionPolicy) ShouldAutoAllow(mode store.PermissionMode, tool string) bool {
	switch mode {
	case store.PermissionBypass:
		return true
	case store.PermissionAcceptEdits:
		_, ok := p.acceptEdits[tool]
		return ok
	}
	return false
}

var defaultPolicy = NewPermissionPolicy(nil)

// ShouldAutoAllow applies the built-in policy.
func ShouldAutoAllow(mode store.PermissionMode, tool string) bool {
	return defaultPolicy.ShouldAutoAllow(mode, tool)
}

func validBehavior(b string) bool {
	switch b {
	case BehaviorAllow, BehaviorAllowAll, BehaviorDeny:
		return true
	}
	return false
}

// decisionFor builds the response for a human decision. updatedInput
// replaces the tool input when non-empty.
func decisionFor(behavior string, pending *PendingPermission, updatedInput json.RawMessage) PermissionDecision {
	input := pending.ToolInput
	if len(updatedInput) > 0 {
		input = updatedInput
	}
	switch behavior {
	case BehaviorDeny:
		return denyDecision()
	case BehaviorAllowAll:
		d := allowDecision(input)
		d.UpdatedPermissions = setModeUpdate(store.PermissionAcceptEdits)
		return d
	}
	return allowDecision(input)
}
