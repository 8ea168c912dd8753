package main

import (
	"fmt"
	"os"
	"path/filepath"

	"stagehand/pkg/protocol"
)

// Paths holds all resolved stagehand state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.stagehand or STAGEHAND_HOME
	PIDPath     string // stagehand.pid or STAGEHAND_PID_PATH
	LockPath    string // dispatcher.lock or STAGEHAND_LOCK_PATH
	StateDBPath string // state.db or STAGEHAND_DB_PATH
	ConfigPath  string // config.toml or STAGEHAND_CONFIG
}

// ResolvePaths returns all stagehand paths, respecting env var overrides.
// Environment variables:
//   - STAGEHAND_HOME: base directory for all state (default: ~/.stagehand)
//   - STAGEHAND_PID_PATH: daemon PID file (default: $STAGEHAND_HOME/stagehand.pid)
//   - STAGEHAND_LOCK_PATH: dispatcher lock record (default: $STAGEHAND_HOME/dispatcher.lock)
//   - STAGEHAND_DB_PATH: runtime event database (default: $STAGEHAND_HOME/state.db)
//   - STAGEHAND_CONFIG: config file (default: $STAGEHAND_HOME/config.toml)
//
// If STAGEHAND_HOME is set, it becomes the base for all default paths.
// Specific env vars override both the default and the home base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:        home,
		PIDPath:     resolvePathWithEnv("STAGEHAND_PID_PATH", home, "stagehand.pid"),
		LockPath:    resolvePathWithEnv("STAGEHAND_LOCK_PATH", home, "dispatcher.lock"),
		StateDBPath: resolvePathWithEnv("STAGEHAND_DB_PATH", home, "state.db"),
		ConfigPath:  resolvePathWithEnv("STAGEHAND_CONFIG", home, "config.toml"),
	}, nil
}

// resolveHome returns the state directory from STAGEHAND_HOME or
// ~/.stagehand.
func resolveHome() (string, error) {
	if v := os.Getenv("STAGEHAND_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.StagehandDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise
// joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
