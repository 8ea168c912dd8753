package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

// daemonState is the observed health of the daemon process.
type daemonState string

const (
	daemonRunning daemonState = "running" // PID file present, process alive
	daemonStopped daemonState = "stopped" // no PID file
	daemonStale   daemonState = "stale"   // PID file present, process dead
)

// pidFile tracks daemon ownership through a single integer in a file.
type pidFile struct {
	path string
}

func (p pidFile) Write(pid int) error {
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (p pidFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s is corrupt: %w", p.path, err)
	}
	return pid, nil
}

// Remove is idempotent: a missing file is not an error.
func (p pidFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Status classifies the daemon as running, stopped, or stale, returning
// the recorded PID for the first two non-stopped states.
func (p pidFile) Status() (daemonState, int, error) {
	pid, err := p.Read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return daemonStopped, 0, nil
	case err != nil:
		return daemonStopped, 0, err
	case IsProcessAlive(pid):
		return daemonRunning, pid, nil
	default:
		return daemonStale, pid, nil
	}
}

// IsProcessAlive checks whether a process with the given PID is running.
// On Unix, sending signal 0 checks for existence without signaling.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// watchSignals cancels the returned context on SIGTERM/SIGINT. The
// cleanup func stops the watcher and removes the PID file; callers
// defer it so a signal and a normal return tear down identically.
func watchSignals(parent context.Context, pf pidFile) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, func() {
		cancel()
		_ = pf.Remove()
	}
}
