package session

import (
	"fmt"
	"strings"
	"time"
)

// Transport is the injected capability the registry drives: a named
// persistent interactive session that can be created, written to, read
// from, and destroyed. The production implementation is tmux; tests and
// alternative deployments (remote shell, container exec) swap it out
// without touching orchestration logic.
type Transport interface {
	Create(name string) error
	Send(name, text string) error
	Capture(name string) (string, error)
	Kill(name string) error
	Exists(name string) bool
	List() ([]string, error)
}

// defaultReadyTimeout is the default time to wait for the agent CLI to
// become ready inside a fresh session. Agent startup with hooks can take
// tens of seconds.
const defaultReadyTimeout = 60 * time.Second

// pollInterval is the time between capture-pane readiness checks.
const pollInterval = 500 * time.Millisecond

// sendDebounce is the delay between pasting text and pressing Enter.
// The agent's TUI needs time to process pasted text before Enter,
// especially in detached sessions.
const sendDebounce = 1 * time.Second

// promptIndicator is the character the agent CLI renders for its input
// prompt once its TUI is ready.
const promptIndicator = "❯"

// captureLines is how much scrollback Capture snapshots. Enough to see a
// correlation token echo plus the completion marker that follows it.
const captureLines = 200

// TmuxTransport drives worker sessions through the tmux CLI.
type TmuxTransport struct {
	Runner CmdRunner

	// AgentCommand is the command launched as the session's initial
	// process. exec-ing it eliminates the shell phase entirely.
	AgentCommand string

	// ReadyTimeout bounds prompt readiness polling; 0 means
	// defaultReadyTimeout.
	ReadyTimeout time.Duration

	// Sleeper overrides time.Sleep for testing.
	Sleeper func(time.Duration)
}

// NewTmuxTransport creates a TmuxTransport with the default ExecRunner.
func NewTmuxTransport(agentCommand string) *TmuxTransport {
	return &TmuxTransport{Runner: &ExecRunner{}, AgentCommand: agentCommand}
}

// Exists checks whether the named tmux session is running.
func (t *TmuxTransport) Exists(name string) bool {
	_, err := t.Runner.Run("tmux", "has-session", "-t", name)
	return err == nil
}

// Create starts a detached session with the agent CLI as the initial
// process and waits for its prompt to render. If the session already
// exists it is a no-op.
func (t *TmuxTransport) Create(name string) error {
	if t.Exists(name) {
		return nil
	}
	// exec the agent so it IS the initial process (no shell phase).
	launch := "exec " + t.AgentCommand
	if _, err := t.Runner.Run("tmux", "new-session", "-d", "-s", name, launch); err != nil {
		return fmt.Errorf("tmux new-session %s: %w", name, err)
	}
	if err := t.waitForPrompt(name); err != nil {
		// A session whose agent never came up is useless; tear it down
		// so the next acquire starts clean.
		_ = t.Kill(name)
		return err
	}
	return nil
}

// waitForPrompt polls the pane content until the agent's prompt
// indicator appears, meaning the TUI is rendered and ready for input.
func (t *TmuxTransport) waitForPrompt(name string) error {
	timeout := t.ReadyTimeout
	if timeout == 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		out, err := t.Runner.Run("tmux", "capture-pane", "-p", "-t", name)
		if err == nil && strings.Contains(out, promptIndicator) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent prompt %q not found in session %s within %v", promptIndicator, name, timeout)
		}
		t.sleep(pollInterval)
	}
}

// Send delivers text to the session and presses Enter. Text is sent with
// tmux literal mode (-l) so it is never shell-interpreted — the only
// sanctioned write path. Enter is retried because message submission is
// the step that actually matters.
func (t *TmuxTransport) Send(name, text string) error {
	if _, err := t.Runner.Run("tmux", "send-keys", "-t", name, "-l", text); err != nil {
		return fmt.Errorf("tmux send-keys -l to %s: %w", name, err)
	}

	// Let the TUI process the pasted text before Enter arrives.
	t.sleep(sendDebounce)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			t.sleep(200 * time.Millisecond)
		}
		if _, err := t.Runner.Run("tmux", "send-keys", "-t", name, "Enter"); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("send Enter to %s after 3 attempts: %w", name, lastErr)
}

// Capture returns a non-destructive snapshot of the session's recent
// output, including scrollback.
func (t *TmuxTransport) Capture(name string) (string, error) {
	out, err := t.Runner.Run("tmux", "capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", captureLines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", name, err)
	}
	return out, nil
}

// Kill destroys the named session.
func (t *TmuxTransport) Kill(name string) error {
	if _, err := t.Runner.Run("tmux", "kill-session", "-t", name); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w", name, err)
	}
	return nil
}

// List returns the names of all running tmux sessions. A missing tmux
// server (no sessions at all) is reported as an empty list, not an
// error.
func (t *TmuxTransport) List() ([]string, error) {
	out, err := t.Runner.Run("tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(out, "no server running") || strings.Contains(out, "No such file") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// sleep pauses for the given duration, honoring the test Sleeper.
func (t *TmuxTransport) sleep(d time.Duration) {
	if t.Sleeper != nil {
		t.Sleeper(d)
		return
	}
	time.Sleep(d)
}
