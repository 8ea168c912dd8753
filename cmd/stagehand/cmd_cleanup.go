package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"stagehand/pkg/lock"
	"stagehand/pkg/session"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// cleanupConfig holds injectable dependencies for the cleanup command.
type cleanupConfig struct {
	transport session.Transport
	w         io.Writer
	pidPath   string
	lockPath  string
	signalFn  func(int) error // sends SIGTERM; injectable for testing
	aliveFn   func(int) bool  // checks process liveness; injectable for testing
	isTTY     func() bool     // returns true if stdin is a TTY; injectable for testing
}

// newCleanupCmd creates the "stagehand cleanup" subcommand.
func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Clean all stale state after a crash",
		Long: `Idempotently cleans up all Stagehand state: kills every managed
worker session, signals a running daemon, and removes stale PID and
lock files.

Safe to run anytime. If nothing is running, reports "nothing to clean".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			cfg := &cleanupConfig{
				transport: session.NewTmuxTransport(""),
				w:         cmd.OutOrStdout(),
				pidPath:   paths.PIDPath,
				lockPath:  paths.LockPath,
				signalFn:  defaultSignalTERM,
				aliveFn:   IsProcessAlive,
				isTTY:     isStdinTTY,
			}

			return runCleanup(cfg)
		},
	}
}

// runCleanup performs best-effort cleanup of all Stagehand state. Each
// step continues on error, reporting warnings.
func runCleanup(cfg *cleanupConfig) error {
	if cfg.isTTY != nil && !cfg.isTTY() {
		return errors.New("stagehand cleanup requires an interactive terminal (stdin is not a TTY)")
	}

	cleaned := false

	// 1. Signal a running daemon first so it stops mutating state.
	if cleanupDaemon(cfg) {
		cleaned = true
	}

	// 2. Kill every managed worker session.
	if cleanupSessions(cfg) {
		cleaned = true
	}

	// 3. Remove a stale PID file.
	if cleanupPIDFile(cfg) {
		cleaned = true
	}

	// 4. Remove a stale lock file.
	if cleanupLockFile(cfg) {
		cleaned = true
	}

	if !cleaned {
		fmt.Fprintln(cfg.w, "nothing to clean")
	}
	return nil
}

// cleanupDaemon signals the daemon if running. Returns true if something
// was cleaned.
func cleanupDaemon(cfg *cleanupConfig) bool {
	pid, err := pidFile{path: cfg.pidPath}.Read()
	if err != nil {
		return false
	}
	if !cfg.aliveFn(pid) {
		// Process is dead, PID file is stale. Cleaned in step 3.
		return false
	}

	fmt.Fprintf(cfg.w, "killing daemon (PID %d)\n", pid)
	if err := cfg.signalFn(pid); err != nil {
		fmt.Fprintf(cfg.w, "warning: signal daemon PID %d: %v\n", pid, err)
	}
	return true
}

// cleanupSessions kills every tmux session matching the managed naming
// scheme. Returns true if something was cleaned.
func cleanupSessions(cfg *cleanupConfig) bool {
	names, err := cfg.transport.List()
	if err != nil {
		fmt.Fprintf(cfg.w, "warning: list sessions: %v\n", err)
		return false
	}

	killed := false
	for _, name := range names {
		if _, _, ok := session.ParseSessionName(name); !ok {
			continue
		}
		fmt.Fprintf(cfg.w, "killing session %s\n", name)
		if err := cfg.transport.Kill(name); err != nil {
			fmt.Fprintf(cfg.w, "warning: kill session %s: %v\n", name, err)
		}
		killed = true
	}
	return killed
}

// cleanupPIDFile removes the PID file if its process is dead. Returns
// true if the file was removed.
func cleanupPIDFile(cfg *cleanupConfig) bool {
	pf := pidFile{path: cfg.pidPath}
	pid, err := pf.Read()
	if err != nil {
		return false
	}
	if cfg.aliveFn(pid) {
		// Live daemon removes its own PID file on shutdown.
		return false
	}

	fmt.Fprintf(cfg.w, "removing stale pid file %s\n", cfg.pidPath)
	if err := pf.Remove(); err != nil {
		fmt.Fprintf(cfg.w, "warning: remove pid file: %v\n", err)
	}
	return true
}

// cleanupLockFile removes the dispatcher lock if its holder is dead.
// Returns true if the file was removed.
func cleanupLockFile(cfg *cleanupConfig) bool {
	rec, err := lock.New(cfg.lockPath, "").Holder()
	if err != nil {
		return false
	}
	if cfg.aliveFn(rec.PID) {
		return false
	}

	fmt.Fprintf(cfg.w, "removing stale lock file %s (holder %s dead)\n", cfg.lockPath, rec.Owner)
	if err := os.Remove(cfg.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(cfg.w, "warning: remove lock file: %v\n", err)
	}
	return true
}

// defaultSignalTERM sends SIGTERM to the given PID.
func defaultSignalTERM(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// isStdinTTY reports whether stdin is an interactive terminal.
func isStdinTTY() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
