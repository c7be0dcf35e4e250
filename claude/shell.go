package claude

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/micktaiwan/panorama-sub002/config"
	"github.com/micktaiwan/panorama-sub002/exec"
	"github.com/micktaiwan/panorama-sub002/store"
)

// ErrEmptyCommand is returned by ExecOneShot for a blank command.
var ErrEmptyCommand = errors.New("command is empty")

// ExecOneShot runs command through the configured shell in cwd (the
// session's directory when empty) and records both the command and its
// output as session messages. The command is bounded by the exec timeout;
// it never touches the session's agent process or queue.
func (s *Supervisor) ExecOneShot(ctx context.Context, sessionID, command, cwd string) (*store.Message, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}
	sess, err := s.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cwd == "" {
		cwd = sess.WorkingDir
	}
	dir, err := resolveWorkingDir(cwd, s.cfg.DefaultWorkingDir)
	if err != nil {
		return nil, err
	}

	a := s.actor(sessionID)
	s.insertMessage(ctx, a, &store.Message{
		SessionID:    sessionID,
		Role:         store.RoleUser,
		Type:         store.TypeShellCommand,
		Content:      store.TextContent(command),
		ContentText:  command,
		ShellCommand: command,
	})

	a.log.Info("running shell command", "command", truncateForLog(command), "cwd", dir)
	start := time.Now()
	output, exitCode := s.runShell(ctx, command, dir)
	a.log.Debug("shell command finished", "exitCode", exitCode, "elapsed", time.Since(start))

	result := &store.Message{
		SessionID:     sessionID,
		Role:          store.RoleSystem,
		Type:          store.TypeShellResult,
		Content:       store.TextContent(output),
		ContentText:   output,
		ShellCommand:  command,
		ShellExitCode: exitCode,
	}
	if id := s.insertMessage(ctx, a, result); id == "" {
		return result, errors.New("failed to record shell result")
	}
	return result, nil
}

// runShell returns the annotated output and the exit code, nil on timeout.
func (s *Supervisor) runShell(ctx context.Context, command, dir string) (string, *int) {
	execCfg := s.cfg.Exec
	ctx, cancel := context.WithTimeout(ctx, execCfg.Timeout)
	defer cancel()

	res, err := s.executor.Capture(ctx, exec.CaptureOptions{
		Dir:       dir,
		Env:       os.Environ(),
		MaxBuffer: execCfg.MaxBuffer,
	}, execCfg.Shell, "-c", command)
	if err != nil {
		// The shell never ran: report the OS error as its output.
		return formatShellOutput(exec.Result{Stderr: []byte(err.Error()), ExitCode: 1}, execCfg), store.Ptr(1)
	}
	if res.TimedOut {
		return formatShellOutput(res, execCfg), nil
	}
	return formatShellOutput(res, execCfg), store.Ptr(res.ExitCode)
}

// formatShellOutput joins stdout and stderr, caps the text at MaxOutput
// characters and appends the status annotations.
func formatShellOutput(res exec.Result, cfg config.ExecConfig) string {
	output := string(res.Stdout)
	if len(res.Stderr) > 0 {
		if output != "" {
			output += "\n"
		}
		output += string(res.Stderr)
	}

	truncated := res.Truncated
	if runes := []rune(output); cfg.MaxOutput > 0 && len(runes) > cfg.MaxOutput {
		output = string(runes[:cfg.MaxOutput])
		truncated = true
	}
	if output == "" {
		output = "(no output)"
	}

	switch {
	case res.TimedOut:
		output += fmt.Sprintf("\n[Timeout after %s]", cfg.Timeout)
	case res.ExitCode != 0:
		output += fmt.Sprintf("\n[Exit code: %d]", res.ExitCode)
	}
	if truncated {
		output += "\n[Output truncated]"
	}
	return output
}
