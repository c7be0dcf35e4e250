package claude

import (
	"github.com/micktaiwan/panorama-sub002/store"
)

// Session status transitions. Each returns the patch to apply; the queued
// argument is the session's queue length at the time of the event.
//
//	idle/error/interrupted --spawn--> running
//	running --spawn failure--> error
//	running --result ok--> idle      (stays running while messages are queued)
//	running --result error--> error  (stays running while messages are queued)
//	running --abnormal exit--> error (stays running while messages are queued)
//	running --clean exit--> idle     (stays running while messages are queued)
//	any --kill--> idle

// mayLeaveRunning is the queued-message guard: a session with queued input
// is about to be respawned, so it is not surfaced as finished or failed.
func mayLeaveRunning(queued int) bool {
	return queued == 0
}

func spawnedPatch(pid int) store.SessionPatch {
	return store.SessionPatch{
		Status:    store.Ptr(store.StatusRunning),
		PID:       store.Ptr(pid),
		LastError: store.Ptr(""),
	}
}

func spawnFailedPatch(err error) store.SessionPatch {
	return store.SessionPatch{
		Status:    store.Ptr(store.StatusError),
		PID:       store.Ptr(0),
		LastError: store.Ptr(err.Error()),
	}
}

func initPatch(msg *streamMessage) store.SessionPatch {
	var p store.SessionPatch
	if msg.SessionID != "" {
		p.ResumeToken = store.Ptr(msg.SessionID)
	}
	if msg.AgentVersion != "" {
		p.AgentVersion = store.Ptr(msg.AgentVersion)
	}
	if msg.Model != "" {
		p.ActiveModel = store.Ptr(msg.Model)
	}
	return p
}

func resultSuccessPatch(msg *streamMessage, queued int) store.SessionPatch {
	p := store.SessionPatch{PID: store.Ptr(0)}
	if c := msg.cost(); c != nil {
		p.IncCostUSD = *c
	}
	if msg.DurationMs != nil {
		p.IncDurationMs = *msg.DurationMs
	}
	if len(msg.ModelUsage) > 0 {
		p.LastModelUsage = msg.ModelUsage
	}
	if mayLeaveRunning(queued) {
		p.Status = store.Ptr(store.StatusIdle)
		p.UnseenCompleted = store.Ptr(true)
	}
	return p
}

// resultErrorPatch drops the resume token so the next turn starts a fresh
// conversation instead of resuming a broken one.
func resultErrorPatch(errText string, queued int) store.SessionPatch {
	p := store.SessionPatch{
		PID:         store.Ptr(0),
		LastError:   store.Ptr(errText),
		ResumeToken: store.Ptr(""),
	}
	if mayLeaveRunning(queued) {
		p.Status = store.Ptr(store.StatusError)
		p.UnseenCompleted = store.Ptr(true)
	}
	return p
}

// exitPatch resolves a session still marked running when its process exits
// without having reported a result.
func exitPatch(status exitStatus, queued int) store.SessionPatch {
	p := store.SessionPatch{PID: store.Ptr(0)}
	if !mayLeaveRunning(queued) {
		return p
	}
	if status.abnormal() {
		p.Status = store.Ptr(store.StatusError)
		p.LastError = store.Ptr(status.String())
	} else {
		p.Status = store.Ptr(store.StatusIdle)
		p.LastError = store.Ptr("")
	}
	return p
}

func killedPatch() store.SessionPatch {
	return store.SessionPatch{
		Status: store.Ptr(store.StatusIdle),
		PID:    store.Ptr(0),
	}
}

func queueCountPatch(n int) store.SessionPatch {
	return store.SessionPatch{QueuedCount: store.Ptr(n)}
}

// interruptedPatch marks a session found running with no process behind it,
// which happens after the supervisor itself restarts.
func interruptedPatch() store.SessionPatch {
	return store.SessionPatch{
		Status:      store.Ptr(store.StatusInterrupted),
		PID:         store.Ptr(0),
		QueuedCount: store.Ptr(0),
	}
}
