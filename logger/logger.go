// Package logger owns the process-wide structured logger and the per-session
// protocol stream logs.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/micktaiwan/panorama-sub002/paths"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	initDone bool
)

// DefaultLogPath returns the log file path for the supervisor process.
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "panorama-agent.log"), nil
}

// StreamLogPath returns the path of the raw protocol log for a session.
func StreamLogPath(sessionID string) (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("stream-%s.log", sessionID)), nil
}

// OpenStreamLog opens (append mode) the protocol log for a session.
func OpenStreamLog(sessionID string) (*os.File, error) {
	path, err := StreamLogPath(sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream log %s: %w", path, err)
	}
	return f, nil
}

// SetDebug enables or disables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Init points the logger at path. The first call wins; later calls are no-ops
// until Reset.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}
	if err := open(path); err != nil {
		return err
	}
	root.Info("logger initialized", "path", path)
	return nil
}

// open must be called with mu held.
func open(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	root = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	initDone = true
	return nil
}

// ensureInit falls back to the default path. Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}
	defaultPath, err := DefaultLogPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to get default log path: %v\n", err)
		return
	}
	if err := open(defaultPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return
	}
	root.Info("logger initialized", "path", defaultPath)
}

// Get returns the root logger instance.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()
	if root == nil {
		return slog.Default()
	}
	return root
}

// WithSession returns a logger carrying sessionID as a structured field.
//
//	log := logger.WithSession(sess.ID)
//	log.Info("agent spawned", "pid", pid)
//	// level=INFO msg="agent spawned" sessionID=abc123 pid=4242
func WithSession(sessionID string) *slog.Logger {
	return Get().With("sessionID", sessionID)
}

// WithComponent returns a logger carrying the component name.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// Close closes the log file
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}

// Reset clears logger state so tests can reinitialize it.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	root = nil
	levelVar = new(slog.LevelVar)
}

// ClearLogs removes the main log and every session stream log.
func ClearLogs() (int, error) {
	defaultPath, err := DefaultLogPath()
	if err != nil {
		return 0, fmt.Errorf("failed to get default log path: %w", err)
	}

	count := 0
	if err := os.Remove(defaultPath); err == nil {
		count++
	} else if !os.IsNotExist(err) {
		return count, err
	}

	streamLogs, err := filepath.Glob(filepath.Join(filepath.Dir(defaultPath), "stream-*.log"))
	if err != nil {
		return count, err
	}
	for _, p := range streamLogs {
		if err := os.Remove(p); err == nil {
			count++
		} else if !os.IsNotExist(err) {
			return count, err
		}
	}
	return count, nil
}
