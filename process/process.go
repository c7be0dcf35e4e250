// Package process finds and stops agent processes left behind by a
// supervisor that exited without killing them.
package process

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/micktaiwan/panorama-sub002/exec"
	"github.com/micktaiwan/panorama-sub002/logger"
)

const (
	lookupTimeout = 5 * time.Second
	pollInterval  = 50 * time.Millisecond
)

// AgentProcess is a running process found on the system.
type AgentProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// IsAgent reports whether cmdLine is a stream-json agent started from
// binary. It guards against signalling an unrelated process that reused
// a recorded PID.
func IsAgent(cmdLine, binary string) bool {
	if cmdLine == "" || binary == "" {
		return false
	}
	return strings.Contains(cmdLine, filepath.Base(binary)) &&
		strings.Contains(cmdLine, "--input-format stream-json") &&
		strings.Contains(cmdLine, "--permission-prompt-tool stdio")
}

// ResumeToken extracts the conversation the agent was resuming, if any.
func ResumeToken(cmdLine string) string {
	_, after, ok := strings.Cut(cmdLine, "--resume")
	if !ok {
		return ""
	}
	fields := strings.Fields(strings.TrimLeft(after, " ="))
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// Reaper stops orphaned agents by PID.
type Reaper struct {
	executor exec.CommandExecutor
	log      *slog.Logger
	grace    time.Duration
	signal   func(pid int, sig syscall.Signal) error
}

// NewReaper returns a Reaper that looks processes up through executor and
// escalates to SIGKILL when SIGTERM is ignored for grace. A nil log means
// the process component logger.
func NewReaper(executor exec.CommandExecutor, grace time.Duration, log *slog.Logger) *Reaper {
	if executor == nil {
		executor = exec.GetDefaultExecutor()
	}
	if log == nil {
		log = logger.WithComponent("process")
	}
	return &Reaper{
		executor: executor,
		log:      log,
		grace:    grace,
		signal:   syscall.Kill,
	}
}

// Lookup returns the process with the given PID. ok is false when no such
// process exists.
func (r *Reaper) Lookup(ctx context.Context, pid int) (AgentProcess, bool) {
	if pid <= 0 {
		return AgentProcess{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	// ps exits 1 when the PID is unknown.
	output, err := r.executor.Output(ctx, "", "ps", "-p", strconv.Itoa(pid), "-o", "args=")
	if err != nil {
		return AgentProcess{}, false
	}
	cmdLine := strings.TrimSpace(string(output))
	if cmdLine == "" {
		return AgentProcess{}, false
	}
	return AgentProcess{PID: pid, Command: cmdLine}, true
}

// Reap stops pid if it is still an agent started from binary. It reports
// whether a process was stopped.
func (r *Reaper) Reap(ctx context.Context, pid int, binary string) (bool, error) {
	proc, ok := r.Lookup(ctx, pid)
	if !ok {
		return false, nil
	}
	if !IsAgent(proc.Command, binary) {
		r.log.Debug("recorded PID belongs to another process", "pid", pid, "command", proc.Command)
		return false, nil
	}

	r.log.Info("stopping orphaned agent", "pid", pid, "resumeToken", ResumeToken(proc.Command))
	if err := r.signal(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return false, nil
		}
		return false, err
	}
	if r.waitGone(ctx, pid, r.grace) {
		return true, nil
	}

	r.log.Warn("orphaned agent ignored SIGTERM, force killing", "pid", pid)
	if err := r.signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return false, err
	}
	r.waitGone(ctx, pid, r.grace)
	return true, nil
}

// waitGone polls until pid no longer exists or timeout passes.
func (r *Reaper) waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if errors.Is(r.signal(pid, 0), syscall.ESRCH) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}
