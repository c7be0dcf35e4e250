// Package config loads the supervisor's agent.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/micktaiwan/panorama-sub002/paths"
)

// Defaults applied to any field the file leaves unset.
const (
	DefaultAgentBinary         = "claude"
	DefaultGracefulStopTimeout = 5 * time.Second
	DefaultForceKillGrace      = 500 * time.Millisecond
	DefaultExecShell           = "/bin/bash"
	DefaultExecTimeout         = 30 * time.Second
	DefaultExecMaxOutput       = 50000
	DefaultExecMaxBuffer       = 1024 * 1024
	DefaultStreamLogging       = true
)

// DefaultStripEnv lists the variables removed from the agent's environment so
// a nested agent does not believe it runs inside another one.
var DefaultStripEnv = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"}

// Config holds supervisor settings.
type Config struct {
	AgentBinary         string            `yaml:"agent_binary"`
	DefaultWorkingDir   string            `yaml:"default_working_dir,omitempty"`
	GracefulStopTimeout time.Duration     `yaml:"graceful_stop_timeout"`
	ForceKillGrace      time.Duration     `yaml:"force_kill_grace"`
	AcceptEditsTools    []string          `yaml:"accept_edits_tools,omitempty"` // extra tools auto-allowed in acceptEdits mode
	StripEnv            []string          `yaml:"strip_env"`
	ExtraEnv            map[string]string `yaml:"extra_env,omitempty"`
	StreamLogging       *bool             `yaml:"stream_logging,omitempty"`
	Exec                ExecConfig        `yaml:"exec"`
	Debug               bool              `yaml:"debug,omitempty"`
}

// ExecConfig configures one-shot shell commands.
type ExecConfig struct {
	Shell     string        `yaml:"shell"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxOutput int           `yaml:"max_output"` // characters kept in the recorded result
	MaxBuffer int           `yaml:"max_buffer"` // bytes captured per stream
}

// Default returns a config populated with defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the config at path. A missing file yields the defaults.
// An empty path means paths.ConfigFilePath().
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := paths.ConfigFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.AgentBinary == "" {
		c.AgentBinary = DefaultAgentBinary
	}
	if c.GracefulStopTimeout == 0 {
		c.GracefulStopTimeout = DefaultGracefulStopTimeout
	}
	if c.ForceKillGrace == 0 {
		c.ForceKillGrace = DefaultForceKillGrace
	}
	if c.StripEnv == nil {
		c.StripEnv = append([]string(nil), DefaultStripEnv...)
	}
	if c.StreamLogging == nil {
		v := DefaultStreamLogging
		c.StreamLogging = &v
	}
	if c.Exec.Shell == "" {
		c.Exec.Shell = DefaultExecShell
	}
	if c.Exec.Timeout == 0 {
		c.Exec.Timeout = DefaultExecTimeout
	}
	if c.Exec.MaxOutput == 0 {
		c.Exec.MaxOutput = DefaultExecMaxOutput
	}
	if c.Exec.MaxBuffer == 0 {
		c.Exec.MaxBuffer = DefaultExecMaxBuffer
	}
}

// Validate rejects settings the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.GracefulStopTimeout < 0 {
		errs = append(errs, fmt.Errorf("graceful_stop_timeout must not be negative, got %s", c.GracefulStopTimeout))
	}
	if c.ForceKillGrace < 0 {
		errs = append(errs, fmt.Errorf("force_kill_grace must not be negative, got %s", c.ForceKillGrace))
	}
	if c.Exec.Timeout < 0 {
		errs = append(errs, fmt.Errorf("exec.timeout must not be negative, got %s", c.Exec.Timeout))
	}
	if c.Exec.MaxOutput < 0 {
		errs = append(errs, fmt.Errorf("exec.max_output must not be negative, got %d", c.Exec.MaxOutput))
	}
	if c.Exec.MaxBuffer < 0 {
		errs = append(errs, fmt.Errorf("exec.max_buffer must not be negative, got %d", c.Exec.MaxBuffer))
	}
	for k := range c.ExtraEnv {
		if k == "" {
			errs = append(errs, errors.New("extra_env contains an empty variable name"))
		}
	}
	return errors.Join(errs...)
}

// StreamLogEnabled reports whether raw protocol lines are written to per-session logs.
func (c *Config) StreamLogEnabled() bool {
	return c.StreamLogging == nil || *c.StreamLogging
}
