package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/micktaiwan/panorama-sub002/config"
	"github.com/micktaiwan/panorama-sub002/exec"
)

// fakeBinary writes an executable script into a temp dir on PATH.
func fakeBinary(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho \"1.2.3 ($0)\"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return path
}

func TestDefaultPrerequisites(t *testing.T) {
	cfg := config.Default()
	cfg.AgentBinary = "my-claude"

	prereqs := DefaultPrerequisites(cfg)
	if len(prereqs) != 2 {
		t.Fatalf("got %d prerequisites, want 2", len(prereqs))
	}
	if prereqs[0].Name != "my-claude" || !prereqs[0].Required {
		t.Errorf("agent prerequisite = %+v", prereqs[0])
	}
	if prereqs[1].Name != "/bin/bash" || prereqs[1].Required {
		t.Errorf("shell prerequisite = %+v", prereqs[1])
	}
}

func TestCheck_FoundWithVersion(t *testing.T) {
	path := fakeBinary(t, "fake-agent")
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch(path, []string{"--version"}, exec.MockResponse{Stdout: []byte("2.1.4 (Claude Code)\nextra\n")})

	result := NewChecker(mock).Check(context.Background(), Prerequisite{Name: "fake-agent", Required: true})

	if !result.Found || result.Error != nil {
		t.Fatalf("result = %+v", result)
	}
	if result.Path != path {
		t.Errorf("Path = %q, want %q", result.Path, path)
	}
	if result.Version != "2.1.4 (Claude Code)" {
		t.Errorf("Version = %q", result.Version)
	}
}

func TestCheck_RealExecutorVersion(t *testing.T) {
	fakeBinary(t, "fake-agent")

	result := NewChecker(exec.NewRealExecutor()).Check(context.Background(), Prerequisite{Name: "fake-agent"})
	if !strings.HasPrefix(result.Version, "1.2.3") {
		t.Errorf("Version = %q, want prefix 1.2.3", result.Version)
	}
}

func TestCheck_NonExistingCommand(t *testing.T) {
	result := NewChecker(exec.NewMockExecutor(nil)).Check(context.Background(), Prerequisite{Name: "definitely-not-a-real-command-12345"})

	if result.Found || result.Path != "" {
		t.Errorf("result = %+v, want not found", result)
	}
	if result.Error == nil {
		t.Error("Check should return error for non-existing command")
	}
}

func TestValidateRequired(t *testing.T) {
	fakeBinary(t, "present-tool")
	checker := NewChecker(exec.NewMockExecutor(nil))
	ctx := context.Background()

	tests := []struct {
		name    string
		prereqs []Prerequisite
		wantErr string
	}{
		{
			name:    "all present",
			prereqs: []Prerequisite{{Name: "present-tool", Required: true}},
		},
		{
			name: "optional missing",
			prereqs: []Prerequisite{
				{Name: "present-tool", Required: true},
				{Name: "fake-optional-xyz", Required: false},
			},
		},
		{
			name: "required missing",
			prereqs: []Prerequisite{
				{Name: "present-tool", Required: true},
				{Name: "fake-required-xyz", Required: true, Description: "Fake", InstallURL: "http://example.com"},
			},
			wantErr: "fake-required-xyz",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.ValidateRequired(ctx, tt.prereqs)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestCheckAll(t *testing.T) {
	fakeBinary(t, "present-tool")
	results := NewChecker(exec.NewMockExecutor(nil)).CheckAll(context.Background(), []Prerequisite{
		{Name: "present-tool"},
		{Name: "fake-cmd-xyz"},
	})
	if len(results) != 2 || !results[0].Found || results[1].Found {
		t.Errorf("results = %+v", results)
	}
}

func TestFormatCheckResults(t *testing.T) {
	output := FormatCheckResults([]CheckResult{
		{Prerequisite: Prerequisite{Name: "found-cmd", Required: true}, Found: true, Version: "1.0.0"},
		{Prerequisite: Prerequisite{Name: "missing-required", Required: true}},
		{Prerequisite: Prerequisite{Name: "missing-optional"}},
	})

	for _, want := range []string{
		"CLI Prerequisites",
		"✓ found-cmd (1.0.0)",
		"✗ missing-required [REQUIRED]",
		"○ missing-optional [optional]",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}
