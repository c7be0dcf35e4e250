// Package cli checks the external tools the supervisor shells out to.
package cli

import (
	"context"
	"fmt"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/micktaiwan/panorama-sub002/config"
	"github.com/micktaiwan/panorama-sub002/exec"
)

const versionTimeout = 5 * time.Second

// Prerequisite represents a required CLI tool
type Prerequisite struct {
	Name        string // command name or path (e.g. "claude", "/bin/bash")
	Required    bool
	Description string
	InstallURL  string
}

// DefaultPrerequisites returns the tools named by cfg: the agent binary,
// which the supervisor cannot run without, and the shell used by one-shot
// commands.
func DefaultPrerequisites(cfg *config.Config) []Prerequisite {
	return []Prerequisite{
		{
			Name:        cfg.AgentBinary,
			Required:    true,
			Description: "Claude Code CLI",
			InstallURL:  "https://claude.ai/code",
		},
		{
			Name:        cfg.Exec.Shell,
			Required:    false,
			Description: "Shell for one-shot commands",
			InstallURL:  "https://www.gnu.org/software/bash/",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string
	Version      string
	Error        error
}

// Checker resolves prerequisites, asking each tool for its version through
// the executor.
type Checker struct {
	executor exec.CommandExecutor
}

// NewChecker returns a Checker. A nil executor means exec.GetDefaultExecutor().
func NewChecker(executor exec.CommandExecutor) *Checker {
	if executor == nil {
		executor = exec.GetDefaultExecutor()
	}
	return &Checker{executor: executor}
}

// Check verifies that a CLI tool is available in PATH
func (c *Checker) Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := ResolveBinary(prereq.Name)
	if err != nil {
		result.Error = err
		return result
	}
	result.Found = true
	result.Path = path
	result.Version = c.version(ctx, path)
	return result
}

// CheckAll verifies all prerequisites and returns results
func (c *Checker) CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = c.Check(ctx, prereq)
	}
	return results
}

// ValidateRequired returns an error listing every missing required tool.
func (c *Checker) ValidateRequired(ctx context.Context, prereqs []Prerequisite) error {
	var missing []string
	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if result := c.Check(ctx, prereq); !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// ResolveBinary returns the absolute path of name, searching PATH when name
// has no slash.
func ResolveBinary(name string) (string, error) {
	path, err := osexec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}

func (c *Checker) version(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	output, err := c.executor.Output(ctx, "", path, "--version")
	if err != nil {
		return ""
	}
	version, _, _ := strings.Cut(string(output), "\n")
	version = strings.TrimSpace(version)
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		switch {
		case r.Found && r.Version != "":
			fmt.Fprintf(&sb, " (%s)", r.Version)
		case !r.Found && r.Prerequisite.Required:
			sb.WriteString(" [REQUIRED]")
		case !r.Found:
			sb.WriteString(" [optional]")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
