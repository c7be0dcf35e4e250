package claude

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// errStdinClosed is returned when writing to a handle that was detached.
var errStdinClosed = errors.New("agent stdin closed")

const (
	readChunkSize     = 32 * 1024
	eventBufferSize   = 64
	stderrLogMaxBytes = 4096

	// outputDrainTimeout bounds how long output is read after the agent
	// exits, in case a descendant inherited its stdout.
	outputDrainTimeout = 500 * time.Millisecond
)

// exitStatus describes how an agent process ended.
type exitStatus struct {
	code   int
	signal syscall.Signal // zero when the process exited on its own
}

// abnormal reports an exit that should surface as a session error. A
// process stopped by SIGTERM was asked to stop and is not an error.
func (e exitStatus) abnormal() bool {
	return e.code != 0 && e.signal != syscall.SIGTERM
}

func (e exitStatus) String() string {
	if e.signal != 0 {
		return fmt.Sprintf("Process killed by signal %s", e.signal)
	}
	return fmt.Sprintf("Process exited with code %d", e.code)
}

func exitStatusOf(cmd *exec.Cmd) exitStatus {
	ps := cmd.ProcessState
	if ps == nil {
		return exitStatus{code: -1}
	}
	st := exitStatus{code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.signal = ws.Signal()
	}
	return st
}

// procHandle is one running agent process. Its id distinguishes it from any
// later process spawned for the same session.
type procHandle struct {
	id  string
	cmd *exec.Cmd
	pid int
	log *slog.Logger

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	// events carries parsed stdout lines in emission order and is closed
	// after the trailing partial line has been flushed.
	events chan *streamMessage

	detached   chan struct{}
	detachOnce sync.Once

	// exited is closed once cmd.Wait has returned; status is valid after.
	exited chan struct{}
	status exitStatus

	// currentAssistantID is the assistant message awaiting result stats.
	// Guarded by the owning session's lock.
	currentAssistantID string
}

// startProcess launches the agent described by cfg. Raw stdout lines are
// copied to streamLog when it is non-nil; the handle closes it on exit.
func startProcess(cfg ProcessConfig, streamLog io.WriteCloser, log *slog.Logger) (*procHandle, error) {
	args := BuildCommandArgs(cfg)
	log.Debug("starting process", "command", cfg.Binary, "args", args, "cwd", cfg.WorkingDir)

	cmd := exec.Command(cfg.Binary, args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	// Plain pipes rather than StdoutPipe: cmd.Wait must be able to return
	// while a descendant still holds the write end, without closing the read
	// end under the reader.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, err
	}

	h := &procHandle{
		id:       uuid.New().String(),
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		stdin:    stdin,
		events:   make(chan *streamMessage, eventBufferSize),
		detached: make(chan struct{}),
		exited:   make(chan struct{}),
	}
	h.log = log.With("handle", h.id, "pid", h.pid)
	h.log.Info("process started")

	outputDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go h.readOutput(stdout, outputDone, streamLog)
	go h.drainStderr(stderr, stderrDone)
	go h.monitorExit(stdout, outputDone, stderr, stderrDone)
	return h, nil
}

// readOutput frames stdout into protocol messages until EOF or until
// monitorExit closes the pipe. events is closed once the trailing partial
// line has been flushed.
func (h *procHandle) readOutput(stdout io.Reader, done chan<- struct{}, streamLog io.WriteCloser) {
	defer close(done)
	var framer LineFramer
	handle := func(line string) {
		if streamLog != nil {
			if _, err := io.WriteString(streamLog, line+"\n"); err != nil {
				h.log.Debug("stream log write failed", "error", err)
				streamLog.Close()
				streamLog = nil
			}
		}
		if msg := parseStreamMessage(line, h.log); msg != nil {
			h.emit(msg)
		}
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		for _, line := range framer.Push(buf[:n]) {
			handle(line)
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				h.log.Debug("error reading stdout", "error", err)
			}
			break
		}
	}
	if rest, ok := framer.Flush(); ok {
		h.log.Debug("flushing trailing partial line")
		handle(rest)
	}
	close(h.events)
	if streamLog != nil {
		streamLog.Close()
	}
}

// monitorExit is the sole caller of cmd.Wait. The agent's exit is observed
// even when a descendant keeps stdout open: after Wait returns, the readers
// get outputDrainTimeout to reach EOF before their pipes are closed.
// exited is closed only after events, so the dispatcher sees every line
// before the exit.
func (h *procHandle) monitorExit(stdout *os.File, outputDone <-chan struct{}, stderr *os.File, stderrDone <-chan struct{}) {
	err := h.cmd.Wait()
	h.status = exitStatusOf(h.cmd)
	h.log.Debug("process exited", "error", err, "code", h.status.code, "signal", h.status.signal)

	expired := make(chan struct{})
	deadline := time.AfterFunc(outputDrainTimeout, func() { close(expired) })
	defer deadline.Stop()
	closeWhenDrained := func(f *os.File, done <-chan struct{}, name string) {
		select {
		case <-done:
		case <-expired:
			h.log.Warn("pipe still open after exit, closing", "pipe", name)
			f.Close()
			<-done
		}
		f.Close()
	}
	closeWhenDrained(stdout, outputDone, "stdout")
	closeWhenDrained(stderr, stderrDone, "stderr")
	close(h.exited)
}

// emit hands msg to the dispatcher, giving up once the handle is detached.
func (h *procHandle) emit(msg *streamMessage) {
	select {
	case h.events <- msg:
	case <-h.detached:
	}
}

func (h *procHandle) drainStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			h.log.Warn("stderr", "line", truncateString(line, stderrLogMaxBytes))
		}
	}
	// Keep the pipe drained so the child never blocks on a full stderr.
	_, _ = io.Copy(io.Discard, stderr)
}

// write sends one encoded protocol line to the agent.
func (h *procHandle) write(line []byte) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdin == nil {
		return errStdinClosed
	}
	if _, err := h.stdin.Write(line); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

// detach stops event delivery and closes stdin. Safe to call repeatedly.
func (h *procHandle) detach() {
	h.detachOnce.Do(func() {
		close(h.detached)
		h.stdinMu.Lock()
		if h.stdin != nil {
			h.stdin.Close()
			h.stdin = nil
		}
		h.stdinMu.Unlock()
	})
}

func (h *procHandle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// terminate detaches the handle, sends SIGTERM, and escalates to SIGKILL
// after graceful. It returns once the process is gone or grace has passed
// after the SIGKILL.
func (h *procHandle) terminate(graceful, grace time.Duration) {
	h.detach()
	if h.hasExited() {
		return
	}

	h.log.Debug("sending SIGTERM")
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		h.log.Debug("SIGTERM failed", "error", err)
	}

	term := time.NewTimer(graceful)
	defer term.Stop()
	select {
	case <-h.exited:
		return
	case <-term.C:
	}

	h.log.Warn("process ignored SIGTERM, force killing", "timeout", graceful)
	if err := h.cmd.Process.Kill(); err != nil {
		h.log.Debug("SIGKILL failed", "error", err)
	}

	kill := time.NewTimer(grace)
	defer kill.Stop()
	select {
	case <-h.exited:
	case <-kill.C:
		h.log.Error("process still running after SIGKILL")
	}
}

// retire ends a process whose turn is over. Closing stdin lets the agent
// exit on its own; it is terminated if it lingers past graceful.
func (h *procHandle) retire(graceful, grace time.Duration) {
	h.detach()
	wait := time.NewTimer(graceful)
	defer wait.Stop()
	select {
	case <-h.exited:
		return
	case <-wait.C:
	}
	h.terminate(graceful, grace)
}
