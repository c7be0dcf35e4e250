package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/micktaiwan/panorama-sub002/paths"
)

// setupTestLogger points the logger at a temp file and resets it on cleanup.
func setupTestLogger(t *testing.T) string {
	t.Helper()
	Reset()
	logPath := filepath.Join(t.TempDir(), "test.log")
	if err := Init(logPath); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(Reset)
	return logPath
}

// setupTestHome isolates path resolution under a temp HOME.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)
	return home
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(content)
}

func TestGet_StructuredLogging(t *testing.T) {
	logPath := setupTestLogger(t)

	Get().Info("agent spawned", "pid", 4242, "model", "sonnet")

	content := readLog(t, logPath)
	for _, want := range []string{"agent spawned", "pid=4242", "model=sonnet", "time="} {
		if !strings.Contains(content, want) {
			t.Errorf("log missing %q:\n%s", want, content)
		}
	}
}

func TestWithSessionAndComponent(t *testing.T) {
	logPath := setupTestLogger(t)

	WithSession("sess-1").Info("queued message", "queueLength", 2)
	WithComponent("supervisor").With("sessionID", "sess-2").Info("kill requested")

	content := readLog(t, logPath)
	for _, want := range []string{
		"sessionID=sess-1",
		"queueLength=2",
		"component=supervisor",
		"sessionID=sess-2",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("log missing %q", want)
		}
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name      string
		debug     bool
		wantDebug bool
	}{
		{name: "info level filters debug", debug: false, wantDebug: false},
		{name: "debug level keeps debug", debug: true, wantDebug: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logPath := setupTestLogger(t)
			SetDebug(tt.debug)

			Get().Debug("debug-marker")
			Get().Info("info-marker")

			content := readLog(t, logPath)
			if got := strings.Contains(content, "debug-marker"); got != tt.wantDebug {
				t.Errorf("debug present = %v, want %v", got, tt.wantDebug)
			}
			if !strings.Contains(content, "info-marker") {
				t.Error("info message should always be present")
			}
		})
	}
}

func TestReset(t *testing.T) {
	tmpDir := t.TempDir()
	first := filepath.Join(tmpDir, "first.log")
	second := filepath.Join(tmpDir, "second.log")

	Reset()
	if err := Init(first); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Get().Info("to-first")

	Reset()
	if err := Init(second); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Get().Info("to-second")
	Reset()

	if c := readLog(t, first); strings.Contains(c, "to-second") {
		t.Error("first log should not receive messages after Reset")
	}
	if c := readLog(t, second); !strings.Contains(c, "to-second") || strings.Contains(c, "to-first") {
		t.Errorf("second log content unexpected:\n%s", c)
	}
}

func TestInit_SecondCallIsNoop(t *testing.T) {
	logPath := setupTestLogger(t)
	other := filepath.Join(t.TempDir(), "other.log")

	if err := Init(other); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Get().Info("still-first")

	if !strings.Contains(readLog(t, logPath), "still-first") {
		t.Error("second Init should not redirect output")
	}
	if _, err := os.Stat(other); !os.IsNotExist(err) {
		t.Error("second Init should not create a file")
	}
}

func TestEnsureInit_DefaultPath(t *testing.T) {
	home := setupTestHome(t)
	Reset()
	t.Cleanup(Reset)

	Get().Info("default path test")

	want := filepath.Join(home, ".panorama", "logs", "panorama-agent.log")
	if !strings.Contains(readLog(t, want), "default path test") {
		t.Errorf("expected message in %s", want)
	}
}

func TestConcurrent_InitAndGet(t *testing.T) {
	for range 5 {
		Reset()
		logPath := filepath.Join(t.TempDir(), "concurrent.log")
		done := make(chan bool, 15)
		for range 5 {
			go func() {
				_ = Init(logPath)
				done <- true
			}()
			go func() {
				WithSession("sess").Info("concurrent session")
				done <- true
			}()
			go func() {
				WithComponent("comp").Info("concurrent component")
				done <- true
			}()
		}
		for range 15 {
			<-done
		}
	}
	Reset()
}

func TestStreamLog(t *testing.T) {
	home := setupTestHome(t)

	got, err := StreamLogPath("sess-456")
	if err != nil {
		t.Fatalf("StreamLogPath: %v", err)
	}
	want := filepath.Join(home, ".panorama", "logs", "stream-sess-456.log")
	if got != want {
		t.Errorf("StreamLogPath = %q, want %q", got, want)
	}

	f, err := OpenStreamLog("sess-456")
	if err != nil {
		t.Fatalf("OpenStreamLog: %v", err)
	}
	if _, err := f.WriteString("{\"type\":\"system\"}\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	if c := readLog(t, want); !strings.Contains(c, `"type":"system"`) {
		t.Errorf("stream log content = %q", c)
	}
}

func TestClearLogs(t *testing.T) {
	home := setupTestHome(t)
	Reset()
	t.Cleanup(Reset)

	logsDir := filepath.Join(home, ".panorama", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"panorama-agent.log", "stream-a.log", "stream-b.log", "keep.txt"} {
		if err := os.WriteFile(filepath.Join(logsDir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	count, err := ClearLogs()
	if err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	if count != 3 {
		t.Errorf("ClearLogs count = %d, want 3", count)
	}
	if _, err := os.Stat(filepath.Join(logsDir, "keep.txt")); err != nil {
		t.Error("unrelated files should be kept")
	}
}
