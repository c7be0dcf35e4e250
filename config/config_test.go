package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/micktaiwan/panorama-sub002/paths"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentBinary != DefaultAgentBinary {
		t.Errorf("AgentBinary = %q, want %q", cfg.AgentBinary, DefaultAgentBinary)
	}
	if cfg.GracefulStopTimeout != 5*time.Second {
		t.Errorf("GracefulStopTimeout = %s, want 5s", cfg.GracefulStopTimeout)
	}
	if cfg.ForceKillGrace != 500*time.Millisecond {
		t.Errorf("ForceKillGrace = %s, want 500ms", cfg.ForceKillGrace)
	}
	if cfg.Exec.Shell != "/bin/bash" || cfg.Exec.Timeout != 30*time.Second {
		t.Errorf("Exec = %+v", cfg.Exec)
	}
	if cfg.Exec.MaxOutput != 50000 || cfg.Exec.MaxBuffer != 1<<20 {
		t.Errorf("Exec limits = %d/%d", cfg.Exec.MaxOutput, cfg.Exec.MaxBuffer)
	}
	if strings.Join(cfg.StripEnv, ",") != "CLAUDECODE,CLAUDE_CODE_ENTRYPOINT" {
		t.Errorf("StripEnv = %v", cfg.StripEnv)
	}
	if !cfg.StreamLogEnabled() {
		t.Error("stream logging should default to enabled")
	}
}

func TestLoad_OverridesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
agent_binary: /opt/claude/bin/claude
graceful_stop_timeout: 2s
accept_edits_tools: [TodoWrite]
strip_env: []
extra_env:
  FOO: bar
stream_logging: false
exec:
  timeout: 10s
debug: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.AgentBinary != "/opt/claude/bin/claude" {
		t.Errorf("AgentBinary = %q", cfg.AgentBinary)
	}
	if cfg.GracefulStopTimeout != 2*time.Second {
		t.Errorf("GracefulStopTimeout = %s, want 2s", cfg.GracefulStopTimeout)
	}
	if cfg.ForceKillGrace != DefaultForceKillGrace {
		t.Errorf("ForceKillGrace = %s, want default", cfg.ForceKillGrace)
	}
	if len(cfg.AcceptEditsTools) != 1 || cfg.AcceptEditsTools[0] != "TodoWrite" {
		t.Errorf("AcceptEditsTools = %v", cfg.AcceptEditsTools)
	}
	if cfg.StripEnv == nil || len(cfg.StripEnv) != 0 {
		t.Errorf("explicit empty strip_env should be kept, got %v", cfg.StripEnv)
	}
	if cfg.ExtraEnv["FOO"] != "bar" {
		t.Errorf("ExtraEnv = %v", cfg.ExtraEnv)
	}
	if cfg.StreamLogEnabled() {
		t.Error("stream_logging: false should disable stream logs")
	}
	if cfg.Exec.Timeout != 10*time.Second || cfg.Exec.Shell != DefaultExecShell {
		t.Errorf("Exec = %+v", cfg.Exec)
	}
	if !cfg.Debug {
		t.Error("Debug should be true")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"malformed yaml", "agent_binary: [unterminated", "failed to parse config"},
		{"bad duration", "graceful_stop_timeout: soon", "failed to parse config"},
		{"negative timeout", "graceful_stop_timeout: -1s", "graceful_stop_timeout must not be negative"},
		{"negative max output", "exec:\n  max_output: -5", "exec.max_output must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_DefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)

	dir := filepath.Join(home, ".panorama")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "agent.yaml"), []byte("agent_binary: custom-claude\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentBinary != "custom-claude" {
		t.Errorf("AgentBinary = %q, want custom-claude", cfg.AgentBinary)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.yaml")
	cfg := Default()
	cfg.GracefulStopTimeout = 3 * time.Second
	cfg.ExtraEnv = map[string]string{"A": "1"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.GracefulStopTimeout != 3*time.Second {
		t.Errorf("GracefulStopTimeout = %s, want 3s", loaded.GracefulStopTimeout)
	}
	if loaded.ExtraEnv["A"] != "1" {
		t.Errorf("ExtraEnv = %v", loaded.ExtraEnv)
	}
}
