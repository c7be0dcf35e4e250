// Package paths resolves where the agent supervisor keeps its files.
//
// Layout:
//
//   - Config (XDG_CONFIG_HOME): agent.yaml
//   - Data (XDG_DATA_HOME): store/, file-backed sessions and messages
//   - State (XDG_STATE_HOME): logs/ for supervisor and protocol stream logs
//
// Resolution order:
//  1. If ~/.panorama/ exists → flat layout (all paths under ~/.panorama/)
//  2. If XDG env vars are set → XDG layout
//  3. Otherwise → ~/.panorama/
package paths

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const appName = "panorama"

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	dataDir   string
	stateDir  string
	flat      bool
}

func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	flatDir := filepath.Join(home, "."+appName)
	flat := &resolvedPaths{configDir: flatDir, dataDir: flatDir, stateDir: flatDir, flat: true}

	if info, err := os.Stat(flatDir); err == nil && info.IsDir() {
		resolved = flat
		return resolved, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")
	if xdgConfig == "" && xdgData == "" && xdgState == "" {
		resolved = flat
		return resolved, nil
	}

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	resolved = &resolvedPaths{
		configDir: filepath.Join(xdgConfig, appName),
		dataDir:   filepath.Join(xdgData, appName),
		stateDir:  filepath.Join(xdgState, appName),
	}
	return resolved, nil
}

// ConfigDir returns the directory holding agent.yaml.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// DataDir returns the directory for persistent data files.
func DataDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.dataDir, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// ConfigFilePath returns the full path to agent.yaml.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agent.yaml"), nil
}

// StoreDir returns the directory used by the file-backed session store.
func StoreDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "store"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsFlatLayout reports whether everything lives under ~/.panorama/.
func IsFlatLayout() bool {
	r, err := resolve()
	if err != nil {
		return true
	}
	return r.flat
}

// ExpandHome resolves a leading "~" or "~/" against the user's home directory.
// An empty path resolves to the home directory itself.
func ExpandHome(p string) (string, error) {
	if p != "" && p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if p == "" || p == "~" {
		return home, nil
	}
	return filepath.Join(home, p[2:]), nil
}

// Reset clears the cached path resolution. This is intended for testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
