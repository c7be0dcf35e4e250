// Package claude supervises Claude Code CLI processes, one per conversation
// session, and maps their stream-json protocol onto session and message
// records.
//
// # Overview
//
// A Supervisor owns every agent process. Sending a message to an idle
// session spawns the CLI with the session's resume token, model, permission
// mode and system prompt, then writes the message as one JSON line on stdin:
//
//	sup := claude.NewSupervisor(claude.Options{
//	    Sessions: st,
//	    Messages: st,
//	    Bus:      bus,
//	    Config:   cfg,
//	})
//	msgID, err := sup.SendText(ctx, sessionID, "fix the failing test")
//
// The agent's stdout is split into lines by a LineFramer, decoded, and
// applied in order: init updates the resume token, assistant turns become
// messages, and a result closes the turn, adds cost and duration to the
// session totals and returns it to idle.
//
// # Queueing
//
// A message sent while a process is running is recorded with queued=true and
// held in the session's MessageQueue. When the turn ends the oldest queued
// message is sent to a fresh process. While messages are queued the session
// stays running; Kill discards the queue.
//
// # Permissions
//
// The CLI asks for tool permission with control_request lines. Requests the
// session's permission mode allows (see ShouldAutoAllow) are answered at
// once. Others become a PendingPermission and a permission_request message,
// answered later with RespondToPermission or resolved by a mode change
// through SyncPermissionMode.
//
// # Thread Safety
//
// Each session is guarded by its own mutex; sessions never wait on each
// other. Every process gets a unique handle and events from a replaced
// handle are ignored, so a late exit can not clobber a newer process.
package claude
