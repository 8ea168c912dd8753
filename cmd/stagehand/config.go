package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"stagehand/pkg/detect"
	"stagehand/pkg/dispatcher"
	"stagehand/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors the on-disk config.toml layout. All durations are
// expressed in seconds; zero values fall back to built-in defaults.
type FileConfig struct {
	Listen       string `toml:"listen"`
	AgentCommand string `toml:"agent_command"`
	LogLevel     string `toml:"log_level"`

	ReadyTimeoutSeconds  int `toml:"ready_timeout_seconds"`
	PollSeconds          int `toml:"poll_seconds"`
	FallbackPollSeconds  int `toml:"fallback_poll_seconds"`
	HeartbeatSeconds     int `toml:"heartbeat_seconds"`
	ProbeSeconds         int `toml:"probe_seconds"`
	ReapSeconds          int `toml:"reap_seconds"`
	IdleThresholdMinutes int `toml:"idle_threshold_minutes"`

	Jobs map[string]JobTimingConfig `toml:"jobs"`
}

// JobTimingConfig overrides detection timing for a single job kind.
type JobTimingConfig struct {
	GraceSeconds   int `toml:"grace_seconds"`
	MaxWaitSeconds int `toml:"max_wait_seconds"`
}

// LoadConfig reads the TOML config at path. A missing file is not an
// error: defaults apply.
func LoadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg.withDefaults(), nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	for kind := range cfg.Jobs {
		if !protocol.JobKind(kind).Valid() {
			return cfg, fmt.Errorf("config %s: unknown job kind %q", path, kind)
		}
	}
	return cfg.withDefaults(), nil
}

func (c FileConfig) withDefaults() FileConfig {
	out := c
	if out.Listen == "" {
		out.Listen = "127.0.0.1:8700"
	}
	if out.AgentCommand == "" {
		out.AgentCommand = "claude --dangerously-skip-permissions"
	}
	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	return out
}

// Timing builds the detection timing table: stock values overlaid with
// any per-kind overrides from the config file.
func (c FileConfig) Timing() detect.Timing {
	timing := detect.DefaultTiming()
	for kind, jc := range c.Jobs {
		k := protocol.JobKind(kind)
		if jc.GraceSeconds > 0 {
			timing.Grace[k] = time.Duration(jc.GraceSeconds) * time.Second
		}
		if jc.MaxWaitSeconds > 0 {
			timing.MaxWait[k] = time.Duration(jc.MaxWaitSeconds) * time.Second
		}
	}
	return timing
}

// DispatcherConfig maps the file config onto dispatcher settings.
// Unset values stay zero so the dispatcher's own defaults apply.
func (c FileConfig) DispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		PollInterval:         time.Duration(c.PollSeconds) * time.Second,
		FallbackPollInterval: time.Duration(c.FallbackPollSeconds) * time.Second,
		HeartbeatInterval:    time.Duration(c.HeartbeatSeconds) * time.Second,
		ProbeInterval:        time.Duration(c.ProbeSeconds) * time.Second,
		ReapInterval:         time.Duration(c.ReapSeconds) * time.Second,
		IdleThreshold:        time.Duration(c.IdleThresholdMinutes) * time.Minute,
		Timing:               c.Timing(),
	}
}

// ReadyTimeout returns the session-ready timeout, or zero to use the
// transport default.
func (c FileConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}
