// Package session manages the pool of persistent worker sessions that
// jobs are dispatched into. Sessions are long-lived interactive agent
// processes addressed by name; the registry guarantees at most one
// in-flight write per session and tracks liveness for the reaper.
package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"stagehand/pkg/protocol"
)

// Session records registry-side metadata for one worker session.
type Session struct {
	Name       string    `json:"name"`
	ProjectID  string    `json:"project_id"`
	Class      string    `json:"class"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Registry owns session lifecycle: create-or-reuse on acquire,
// single-flight sends, teardown, and liveness probes.
type Registry struct {
	transport Transport

	mu       sync.Mutex
	sessions map[string]*sessionState

	// handshakeTimeout bounds the echo wait after creating a session.
	handshakeTimeout time.Duration

	nowFunc  func() time.Time
	newToken func() string
}

// defaultHandshakeTimeout bounds the post-create handshake probe. The
// agent is already at its prompt by then, so the echo is fast.
const defaultHandshakeTimeout = 15 * time.Second

type sessionState struct {
	meta Session
	// sendMu serializes writes to this session. A session processes one
	// prompt at a time; interleaved sends corrupt the conversation.
	sendMu sync.Mutex
}

// NewRegistry creates a registry over the given transport.
func NewRegistry(transport Transport) *Registry {
	return &Registry{
		transport:        transport,
		sessions:         make(map[string]*sessionState),
		handshakeTimeout: defaultHandshakeTimeout,
		nowFunc:          time.Now,
		newToken: func() string {
			return fmt.Sprintf("handshake-%d", time.Now().UnixNano())
		},
	}
}

// Acquire returns a live session for the project and routing class,
// creating one if none exists. Reuse is by name: a session that survived
// a dispatcher restart is adopted rather than recreated.
func (r *Registry) Acquire(projectID, class string) (Session, error) {
	name := protocol.SessionName(projectID, protocol.RoutingClass(class))

	r.mu.Lock()
	st, ok := r.sessions[name]
	if !ok {
		st = &sessionState{meta: Session{
			Name:      name,
			ProjectID: projectID,
			Class:     class,
			CreatedAt: r.nowFunc(),
		}}
		r.sessions[name] = st
	}
	st.meta.LastUsedAt = r.nowFunc()
	meta := st.meta
	r.mu.Unlock()

	if !r.transport.Exists(name) {
		if err := r.transport.Create(name); err != nil {
			r.forget(name)
			return Session{}, fmt.Errorf("acquire session %s: %w", name, err)
		}
		// Handshake: a fresh session must echo a unique token before it
		// receives real work. A pane that never echoes is wedged.
		if err := r.Probe(name, r.newToken(), r.handshakeTimeout); err != nil {
			_ = r.transport.Kill(name)
			r.forget(name)
			return Session{}, fmt.Errorf("acquire session %s: %w", name, err)
		}
	}
	return meta, nil
}

func (r *Registry) forget(name string) {
	r.mu.Lock()
	delete(r.sessions, name)
	r.mu.Unlock()
}

// Send delivers text to a session under its single-flight lock. Callers
// block until any earlier send to the same session has been handed off
// to the transport.
func (r *Registry) Send(name, text string) error {
	st := r.state(name)
	if st == nil {
		return fmt.Errorf("send to unknown session %s", name)
	}

	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	if err := r.transport.Send(name, text); err != nil {
		return err
	}

	r.mu.Lock()
	st.meta.LastUsedAt = r.nowFunc()
	r.mu.Unlock()
	return nil
}

// ReadBuffer snapshots the session's recent output without consuming it.
func (r *Registry) ReadBuffer(name string) (string, error) {
	return r.transport.Capture(name)
}

// Probe verifies the session is responsive by sending a unique token and
// waiting for it to appear in the session's buffer. A session whose pane
// never echoes the token is wedged.
func (r *Registry) Probe(name, token string, timeout time.Duration) error {
	if err := r.Send(name, token); err != nil {
		return fmt.Errorf("probe send %s: %w", name, err)
	}
	deadline := time.Now().Add(timeout)
	for {
		out, err := r.transport.Capture(name)
		if err == nil && strings.Contains(out, token) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("probe token not echoed by %s within %v", name, timeout)
		}
		time.Sleep(pollInterval)
	}
}

// Alive reports whether the named session's backing process exists.
func (r *Registry) Alive(name string) bool {
	return r.transport.Exists(name)
}

// Terminate kills the named session and forgets it. Killing a session
// that is already gone is not an error.
func (r *Registry) Terminate(name string) error {
	r.mu.Lock()
	delete(r.sessions, name)
	r.mu.Unlock()

	if !r.transport.Exists(name) {
		return nil
	}
	return r.transport.Kill(name)
}

// TerminateProject kills every session belonging to the project,
// including ones created by a previous dispatcher process that this
// registry never tracked. Returns the names it killed.
func (r *Registry) TerminateProject(projectID string) ([]string, error) {
	names, err := r.transport.List()
	if err != nil {
		return nil, err
	}
	var killed []string
	for _, name := range names {
		pid, _, ok := ParseSessionName(name)
		if !ok || pid != projectID {
			continue
		}
		if err := r.Terminate(name); err != nil {
			return killed, err
		}
		killed = append(killed, name)
	}
	sort.Strings(killed)
	return killed, nil
}

// Live returns the names of every running session on the transport,
// including ones created by a previous process that this registry never
// tracked.
func (r *Registry) Live() ([]string, error) {
	return r.transport.List()
}

// Sessions returns a snapshot of tracked session metadata, sorted by
// name.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, st := range r.sessions {
		out = append(out, st.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IdleSince returns tracked sessions whose last use is at or before the
// cutoff. The reaper uses this to sweep abandoned sessions.
func (r *Registry) IdleSince(cutoff time.Time) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Session
	for _, st := range r.sessions {
		if !st.meta.LastUsedAt.After(cutoff) {
			out = append(out, st.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) state(name string) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[name]
}

// ParseSessionName splits a managed session name into project ID and
// routing class. Names that were not produced by this orchestrator
// return ok=false and are never touched by the reaper.
func ParseSessionName(name string) (projectID, class string, ok bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 || parts[0] != protocol.SessionPrefix {
		return "", "", false
	}
	class = parts[1]
	valid := false
	for _, c := range protocol.Classes {
		if string(c) == class {
			valid = true
			break
		}
	}
	if !valid {
		return "", "", false
	}
	return parts[2], class, true
}
