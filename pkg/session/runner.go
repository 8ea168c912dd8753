// Package session manages Stagehand's persistent interactive worker
// sessions: naming, creation, reuse, and teardown of the tmux sessions
// that run the external AI agent. The tmux transport is hidden behind an
// interface so orchestration logic never shells out directly.
package session

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(name string, args ...string) (string, error)
}

// defaultRunTimeout bounds every external command so one wedged tmux
// server cannot stall the dispatch loop for other projects.
const defaultRunTimeout = 10 * time.Second

// ExecRunner implements CmdRunner using os/exec with a hard per-call
// timeout.
type ExecRunner struct {
	// Timeout overrides defaultRunTimeout when non-zero.
	Timeout time.Duration
}

// Run executes a command and returns its combined output.
func (e *ExecRunner) Run(name string, args ...string) (string, error) {
	timeout := e.Timeout
	if timeout == 0 {
		timeout = defaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
