package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stagehand/pkg/protocol"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8700" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
	if cfg.AgentCommand == "" {
		t.Error("AgentCommand default missing")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadConfig_ParsesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
listen = "0.0.0.0:9000"
log_level = "debug"
poll_seconds = 2
idle_threshold_minutes = 10

[jobs.terraform_code]
grace_seconds = 60
max_wait_seconds = 1200
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}

	dcfg := cfg.DispatcherConfig()
	if dcfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v", dcfg.PollInterval)
	}
	if dcfg.IdleThreshold != 10*time.Minute {
		t.Errorf("IdleThreshold = %v", dcfg.IdleThreshold)
	}

	timing := cfg.Timing()
	if timing.Grace[protocol.KindTerraformCode] != 60*time.Second {
		t.Errorf("terraform grace = %v", timing.Grace[protocol.KindTerraformCode])
	}
	if timing.MaxWait[protocol.KindTerraformCode] != 20*time.Minute {
		t.Errorf("terraform max wait = %v", timing.MaxWait[protocol.KindTerraformCode])
	}
	// Untouched kinds keep stock values.
	if timing.Grace[protocol.KindRequirementsExtraction] != 5*time.Second {
		t.Errorf("requirements grace = %v", timing.Grace[protocol.KindRequirementsExtraction])
	}
}

func TestLoadConfig_RejectsUnknownJobKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[jobs.not_a_kind]
grace_seconds = 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown job kind")
	}
}
