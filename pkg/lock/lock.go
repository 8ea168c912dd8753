// Package lock implements the singleton dispatcher lock: a JSON record
// with owner id, pid, and heartbeat timestamp. A second dispatcher may
// reclaim the lock only when the heartbeat has gone stale and the
// recorded pid is demonstrably dead, which rules out dual dispatch
// without requiring clean shutdown.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"stagehand/pkg/protocol"
)

// DefaultStaleAfter is how long a heartbeat may lag before the lock is
// considered abandoned.
const DefaultStaleAfter = 30 * time.Second

// Record is the on-disk lock document.
type Record struct {
	Owner     string    `json:"owner"`
	PID       int       `json:"pid"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Lock manages the dispatcher lock file at a fixed path.
type Lock struct {
	Path       string
	Owner      string
	StaleAfter time.Duration

	// pidAlive and nowFunc are injectable for tests.
	pidAlive func(int) bool
	nowFunc  func() time.Time
}

// New creates a lock handle for the given path and owner id.
func New(path, owner string) *Lock {
	return &Lock{
		Path:       path,
		Owner:      owner,
		StaleAfter: DefaultStaleAfter,
		pidAlive:   pidAlive,
		nowFunc:    time.Now,
	}
}

// Acquire takes the lock, reclaiming a stale one if its holder is dead.
// Returns *protocol.LockHeldError when a live holder exists.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	// Fast path: exclusive create wins the race cleanly.
	f, err := os.OpenFile(l.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		werr := l.writeRecord(f)
		cerr := f.Close()
		if werr != nil {
			return werr
		}
		return cerr
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create lock file: %w", err)
	}

	rec, err := l.read()
	if err != nil {
		// Unreadable lock file: treat as corrupt and reclaim.
		return l.replace()
	}

	if rec.Owner == l.Owner && rec.PID == os.Getpid() {
		// Re-acquiring our own lock after a restart within the same
		// process is just a refresh.
		return l.Refresh()
	}

	age := l.nowFunc().Sub(rec.Heartbeat)
	if age < l.StaleAfter || l.pidAlive(rec.PID) {
		return &protocol.LockHeldError{
			Owner:     rec.Owner,
			PID:       rec.PID,
			Heartbeat: rec.Heartbeat.Format(time.RFC3339),
		}
	}

	// Stale heartbeat and dead holder: reclaim.
	return l.replace()
}

// Refresh rewrites the heartbeat. Called periodically by the holder; a
// failed refresh means the holder should stop dispatching.
func (l *Lock) Refresh() error {
	rec, err := l.read()
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if rec.Owner != l.Owner {
		return &protocol.LockHeldError{
			Owner:     rec.Owner,
			PID:       rec.PID,
			Heartbeat: rec.Heartbeat.Format(time.RFC3339),
		}
	}
	return l.replace()
}

// Release removes the lock file if this owner still holds it.
func (l *Lock) Release() error {
	rec, err := l.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if rec.Owner != l.Owner {
		// Someone else reclaimed it; not ours to remove.
		return nil
	}
	return os.Remove(l.Path)
}

// Holder returns the current lock record, or os.ErrNotExist.
func (l *Lock) Holder() (Record, error) {
	return l.read()
}

func (l *Lock) read() (Record, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse lock record: %w", err)
	}
	return rec, nil
}

// replace atomically rewrites the lock record via temp file + rename.
func (l *Lock) replace() error {
	tmp, err := os.CreateTemp(filepath.Dir(l.Path), ".lock-*")
	if err != nil {
		return fmt.Errorf("write lock record: %w", err)
	}
	if werr := l.writeRecord(tmp); werr != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return werr
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), l.Path)
}

func (l *Lock) writeRecord(f *os.File) error {
	rec := Record{Owner: l.Owner, PID: os.Getpid(), Heartbeat: l.nowFunc()}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write lock record: %w", err)
	}
	return f.Sync()
}

// pidAlive checks process existence with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
