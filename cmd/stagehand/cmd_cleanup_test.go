package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

// stubTransport is a minimal in-memory session transport for cleanup tests.
type stubTransport struct {
	sessions []string
	killed   []string
	listErr  error
}

func (s *stubTransport) Create(string) error            { return nil }
func (s *stubTransport) Send(string, string) error      { return nil }
func (s *stubTransport) Capture(string) (string, error) { return "", nil }
func (s *stubTransport) Exists(string) bool             { return false }

func (s *stubTransport) Kill(name string) error {
	s.killed = append(s.killed, name)
	return nil
}

func (s *stubTransport) List() ([]string, error) {
	return s.sessions, s.listErr
}

func newCleanupFixture(t *testing.T, transport *stubTransport) (*cleanupConfig, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	dir := t.TempDir()
	return &cleanupConfig{
		transport: transport,
		w:         &out,
		pidPath:   filepath.Join(dir, "stagehand.pid"),
		lockPath:  filepath.Join(dir, "dispatcher.lock"),
		signalFn:  func(int) error { return nil },
		aliveFn:   func(int) bool { return false },
		isTTY:     func() bool { return true },
	}, &out
}

func TestRunCleanup_RequiresTTY(t *testing.T) {
	cfg, _ := newCleanupFixture(t, &stubTransport{})
	cfg.isTTY = func() bool { return false }

	if err := runCleanup(cfg); err == nil {
		t.Error("expected error when stdin is not a TTY")
	}
}

func TestRunCleanup_NothingToClean(t *testing.T) {
	cfg, out := newCleanupFixture(t, &stubTransport{})

	if err := runCleanup(cfg); err != nil {
		t.Fatalf("runCleanup: %v", err)
	}
	if !strings.Contains(out.String(), "nothing to clean") {
		t.Errorf("output = %q, want nothing-to-clean notice", out.String())
	}
}

func TestRunCleanup_KillsOnlyManagedSessions(t *testing.T) {
	transport := &stubTransport{
		sessions: []string{"sh_main_alpha", "sh_tf_alpha", "weechat", "sh_bogus"},
	}
	cfg, _ := newCleanupFixture(t, transport)

	if err := runCleanup(cfg); err != nil {
		t.Fatalf("runCleanup: %v", err)
	}
	if len(transport.killed) != 2 {
		t.Fatalf("killed = %v, want the two managed sessions", transport.killed)
	}
	for _, name := range transport.killed {
		if !strings.HasPrefix(name, "sh_") {
			t.Errorf("killed unmanaged session %q", name)
		}
	}
}

func TestRunCleanup_RemovesStalePIDFile(t *testing.T) {
	cfg, out := newCleanupFixture(t, &stubTransport{})
	if err := (pidFile{path: cfg.pidPath}).Write(99999); err != nil {
		t.Fatal(err)
	}

	if err := runCleanup(cfg); err != nil {
		t.Fatalf("runCleanup: %v", err)
	}
	if !strings.Contains(out.String(), "removing stale pid file") {
		t.Errorf("output = %q, want stale pid removal", out.String())
	}
	status, _, err := pidFile{path: cfg.pidPath}.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != daemonStopped {
		t.Errorf("status = %v, want stopped after cleanup", status)
	}
}

func TestRunCleanup_SignalsLiveDaemon(t *testing.T) {
	cfg, out := newCleanupFixture(t, &stubTransport{})
	if err := (pidFile{path: cfg.pidPath}).Write(4242); err != nil {
		t.Fatal(err)
	}
	cfg.aliveFn = func(int) bool { return true }

	var signalled int
	cfg.signalFn = func(pid int) error {
		signalled = pid
		return nil
	}

	if err := runCleanup(cfg); err != nil {
		t.Fatalf("runCleanup: %v", err)
	}
	if signalled != 4242 {
		t.Errorf("signalled PID %d, want 4242", signalled)
	}
	// PID file of a live daemon is left for the daemon to remove.
	if strings.Contains(out.String(), "removing stale pid file") {
		t.Error("should not remove PID file of a live daemon")
	}
}
