// Package exec provides an abstraction over command execution for testability.
// Production code uses RealExecutor, tests inject a MockExecutor with
// pre-recorded responses.
package exec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultWaitDelay bounds how long Capture waits for output pipes to close
// after the process has been signalled.
const DefaultWaitDelay = 2 * time.Second

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Output executes a command and returns stdout.
	Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

	// Capture runs a command to completion, keeping at most opts.MaxBuffer
	// bytes of each stream. A non-zero exit or a context expiry is reported
	// in the Result; the error is non-nil only when the command could not run.
	Capture(ctx context.Context, opts CaptureOptions, name string, args ...string) (Result, error)
}

// CaptureOptions configures Capture.
type CaptureOptions struct {
	Dir       string
	Env       []string // nil inherits the parent environment
	MaxBuffer int      // per-stream byte cap; 0 means unlimited
}

// Result is the outcome of a captured command.
type Result struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	TimedOut  bool
	Truncated bool // a stream exceeded MaxBuffer
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// Output executes a command and returns stdout.
func (e *RealExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Capture runs the command. On context expiry the process gets SIGTERM, and
// the pipes are force-closed after DefaultWaitDelay.
func (e *RealExecutor) Capture(ctx context.Context, opts CaptureOptions, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = DefaultWaitDelay

	stdout := &cappedBuffer{limit: opts.MaxBuffer}
	stderr := &cappedBuffer{limit: opts.MaxBuffer}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return Result{}, err
	}
	err := cmd.Wait()

	res := Result{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.truncated || stderr.truncated,
		TimedOut:  errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			res.ExitCode = 1
		}
	case errors.Is(err, exec.ErrWaitDelay), ctx.Err() != nil:
	default:
		return res, err
	}
	return res, nil
}

// cappedBuffer keeps the first limit bytes and swallows the rest so the
// child never sees a write error.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			b.truncated = true
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Result *Result // used by Capture when set
	Err    error
	Delay  time.Duration // simulated run time; honours ctx
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(dir, name string, args []string) bool

// MockRule defines a matching rule and its response.
type MockRule struct {
	Match    CommandMatcher
	Response MockResponse
}

// MockExecutor returns pre-recorded responses for commands.
// Commands are matched in order of rule registration.
type MockExecutor struct {
	mu       sync.RWMutex
	rules    []MockRule
	calls    []MockCall
	fallback CommandExecutor
}

// MockCall records a command invocation for verification.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

// NewMockExecutor creates a new MockExecutor.
// If fallback is provided, unmatched commands will be delegated to it.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddRule adds a matching rule with its response.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, MockRule{Match: match, Response: response})
}

// AddExactMatch adds a rule that matches a specific command exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(dir, n string, a []string) bool {
		if n != name || len(a) != len(args) {
			return false
		}
		for i, arg := range args {
			if a[i] != arg {
				return false
			}
		}
		return true
	}, response)
}

// AddPrefixMatch adds a rule that matches commands starting with specific args.
func (e *MockExecutor) AddPrefixMatch(name string, prefixArgs []string, response MockResponse) {
	e.AddRule(func(dir, n string, a []string) bool {
		if n != name || len(a) < len(prefixArgs) {
			return false
		}
		for i, arg := range prefixArgs {
			if a[i] != arg {
				return false
			}
		}
		return true
	}, response)
}

// GetCalls returns all recorded command invocations.
func (e *MockExecutor) GetCalls() []MockCall {
	e.mu.RLock()
	defer e.mu.RUnlock()
	calls := make([]MockCall, len(e.calls))
	copy(calls, e.calls)
	return calls
}

func (e *MockExecutor) findMatch(dir, name string, args []string) *MockResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if rule.Match(dir, name, args) {
			resp := rule.Response
			return &resp
		}
	}
	return nil
}

func (e *MockExecutor) recordCall(dir, name string, args []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, MockCall{Dir: dir, Name: name, Args: args})
}

// Output executes a mocked command.
func (e *MockExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	e.recordCall(dir, name, args)

	if resp := e.findMatch(dir, name, args); resp != nil {
		return resp.Stdout, resp.Err
	}
	if e.fallback != nil {
		return e.fallback.Output(ctx, dir, name, args...)
	}
	return nil, nil
}

// Capture executes a mocked command.
func (e *MockExecutor) Capture(ctx context.Context, opts CaptureOptions, name string, args ...string) (Result, error) {
	e.recordCall(opts.Dir, name, args)

	resp := e.findMatch(opts.Dir, name, args)
	if resp == nil {
		if e.fallback != nil {
			return e.fallback.Capture(ctx, opts, name, args...)
		}
		return Result{}, nil
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return Result{TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded), ExitCode: -1}, nil
		}
	}
	if resp.Result != nil {
		return *resp.Result, resp.Err
	}
	return Result{Stdout: resp.Stdout, Stderr: resp.Stderr}, resp.Err
}

// Ensure implementations satisfy the interface.
var _ CommandExecutor = (*RealExecutor)(nil)
var _ CommandExecutor = (*MockExecutor)(nil)

var defaultExecutorMu sync.RWMutex

var defaultExecutor CommandExecutor = NewRealExecutor()

// GetDefaultExecutor returns the global default executor.
func GetDefaultExecutor() CommandExecutor {
	defaultExecutorMu.RLock()
	defer defaultExecutorMu.RUnlock()
	return defaultExecutor
}

// SetDefaultExecutor sets the global default executor.
func SetDefaultExecutor(e CommandExecutor) {
	defaultExecutorMu.Lock()
	defer defaultExecutorMu.Unlock()
	defaultExecutor = e
}
