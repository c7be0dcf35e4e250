package claude

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/micktaiwan/panorama-sub002/paths"
	"github.com/micktaiwan/panorama-sub002/store"
)

// SessionEnvVar names the variable that tells the agent which session it
// belongs to.
const SessionEnvVar = "PANORAMA_SESSION"

const thinkingTokensEnvVar = "MAX_THINKING_TOKENS"

// ProcessConfig holds everything needed to start one agent process.
type ProcessConfig struct {
	Binary             string
	SessionID          string
	ResumeToken        string
	Model              string
	PermissionMode     store.PermissionMode
	AppendSystemPrompt string
	ReasoningEffort    store.ReasoningEffort
	WorkingDir         string
	Env                []string
}

// BuildCommandArgs builds the command line arguments for the agent based on the config.
// This is exported for testing purposes to verify correct argument construction.
func BuildCommandArgs(config ProcessConfig) []string {
	args := []string{
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
		"--input-format", "stream-json",
	}
	if config.ResumeToken != "" {
		args = append(args, "--resume", config.ResumeToken)
	}
	if config.Model != "" {
		args = append(args, "--model", config.Model)
	}
	if config.PermissionMode != "" {
		args = append(args, "--permission-mode", string(config.PermissionMode))
	}
	if config.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", config.AppendSystemPrompt)
	}
	return args
}

// BuildEnv derives the agent environment from base: variables named in strip
// are removed, extra and the session marker are set, and the thinking budget
// is exported when effort maps to one.
func BuildEnv(base []string, sessionID string, effort store.ReasoningEffort, strip []string, extra map[string]string) []string {
	set := map[string]string{SessionEnvVar: sessionID}
	for k, v := range extra {
		set[k] = v
	}
	if tokens, ok := effort.ThinkingTokens(); ok {
		set[thinkingTokensEnvVar] = strconv.Itoa(tokens)
	}

	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if slices.Contains(strip, key) {
			continue
		}
		if _, override := set[key]; override {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+set[k])
	}
	return env
}

// resolveWorkingDir picks the session directory, then fallback, then the
// home directory, expanding a leading "~/".
func resolveWorkingDir(dir, fallback string) (string, error) {
	if dir == "" {
		dir = fallback
	}
	resolved, err := paths.ExpandHome(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	return resolved, nil
}

// processConfigFor assembles the invocation for session s.
func (s *Supervisor) processConfigFor(sess *store.Session) (ProcessConfig, error) {
	dir, err := resolveWorkingDir(sess.WorkingDir, s.cfg.DefaultWorkingDir)
	if err != nil {
		return ProcessConfig{}, err
	}
	return ProcessConfig{
		Binary:             s.agentPath,
		SessionID:          sess.ID,
		ResumeToken:        sess.ResumeToken,
		Model:              sess.Model,
		PermissionMode:     sess.PermissionMode,
		AppendSystemPrompt: sess.AppendSystemPrompt,
		ReasoningEffort:    sess.ReasoningEffort,
		WorkingDir:         dir,
		Env:                BuildEnv(os.Environ(), sess.ID, sess.ReasoningEffort, s.cfg.StripEnv, s.cfg.ExtraEnv),
	}, nil
}
