// Package queuestore persists per-project queue documents as JSON files
// with write-temp-then-rename atomicity and optimistic-concurrency
// revisions. It is the single source of truth for what needs to run:
// both the dispatcher and external enqueuers (HTTP API, CLI) mutate
// queue documents through this package.
package queuestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"stagehand/pkg/protocol"
)

// saveRetries bounds the internal load-mutate-save retry loop used by
// Append and UpdateJob when racing other writers.
const saveRetries = 5

// Store reads and writes queue documents under a Stagehand home
// directory: <home>/projects/<id>/job_queue.json plus a home-level
// tombstone file remembering deleted project ids.
type Store struct {
	home string

	// mu serializes same-process saves. Cross-process races are caught
	// by the revision check instead.
	mu sync.Mutex
}

// NewStore creates a Store rooted at home (e.g., ~/.stagehand).
func NewStore(home string) *Store {
	return &Store{home: home}
}

// ProjectsDir returns the directory holding all project directories.
func (s *Store) ProjectsDir() string {
	return filepath.Join(s.home, protocol.ProjectsDir)
}

// ProjectDir returns the directory for one project.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.ProjectsDir(), projectID)
}

// QueuePath returns the queue document path for one project.
func (s *Store) QueuePath(projectID string) string {
	return filepath.Join(s.ProjectDir(projectID), protocol.QueueFile)
}

// ArtifactPath resolves a job's expected artifact path (stored relative
// to the project directory) to an absolute path.
func (s *Store) ArtifactPath(job *protocol.Job) string {
	if job.ExpectedArtifact == "" {
		return ""
	}
	return filepath.Join(s.ProjectDir(job.ProjectID), filepath.FromSlash(job.ExpectedArtifact))
}

// CreateProject initializes an empty queue document for a new project.
// A tombstoned id can never be reused.
func (s *Store) CreateProject(projectID string) error {
	if projectID == "" {
		return fmt.Errorf("project id is empty")
	}
	tombstoned, err := s.Tombstoned(projectID)
	if err != nil {
		return err
	}
	if tombstoned {
		return &protocol.ProjectDeletedError{ProjectID: projectID}
	}
	if _, err := os.Stat(s.QueuePath(projectID)); err == nil {
		return fmt.Errorf("project %s already exists", projectID)
	}
	if err := os.MkdirAll(s.ProjectDir(projectID), 0o700); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	q := &protocol.Queue{ProjectID: projectID, Revision: 0, Jobs: nil}
	return s.writeDoc(s.QueuePath(projectID), q)
}

// Load reads a project's queue document. Returns UnknownProjectError if
// the project has no document.
func (s *Store) Load(projectID string) (*protocol.Queue, error) {
	data, err := os.ReadFile(s.QueuePath(projectID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &protocol.UnknownProjectError{ProjectID: projectID}
		}
		return nil, fmt.Errorf("read queue %s: %w", projectID, err)
	}
	var q protocol.Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", projectID, err)
	}
	q.ProjectID = projectID
	return &q, nil
}

// Save persists a queue document loaded via Load. It fails with
// ConflictError when the on-disk revision has advanced past q.Revision,
// forcing the caller to re-read and retry rather than silently
// overwrite a concurrent enqueue. On success q.Revision is bumped and
// the write is crash-durable before returning.
func (s *Store) Save(q *protocol.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Load(q.ProjectID)
	if err != nil {
		return err
	}
	if current.Revision != q.Revision {
		return &protocol.ConflictError{
			ProjectID: q.ProjectID,
			Loaded:    q.Revision,
			OnDisk:    current.Revision,
		}
	}

	q.Revision++
	if err := s.writeDoc(s.QueuePath(q.ProjectID), q); err != nil {
		q.Revision--
		return err
	}
	return nil
}

// Append adds a job to a project's queue, rejecting tombstoned and
// unknown projects at the boundary. Revision races with other writers
// are retried internally.
func (s *Store) Append(projectID string, job protocol.Job) error {
	tombstoned, err := s.Tombstoned(projectID)
	if err != nil {
		return err
	}
	if tombstoned {
		return &protocol.ProjectDeletedError{ProjectID: projectID}
	}

	for attempt := 0; attempt < saveRetries; attempt++ {
		q, err := s.Load(projectID)
		if err != nil {
			return err
		}
		q.Jobs = append(q.Jobs, job)
		err = s.Save(q)
		if err == nil {
			return nil
		}
		var conflict *protocol.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
	}
	return fmt.Errorf("append job to %s: gave up after %d conflicts", projectID, saveRetries)
}

// UpdateJob applies mutate to one job under load-mutate-save with
// conflict retry. mutate sees the freshest copy on every attempt.
func (s *Store) UpdateJob(projectID, jobID string, mutate func(*protocol.Job) error) error {
	for attempt := 0; attempt < saveRetries; attempt++ {
		q, err := s.Load(projectID)
		if err != nil {
			return err
		}
		job := q.Find(jobID)
		if job == nil {
			return &protocol.JobNotFoundError{JobID: jobID}
		}
		if err := mutate(job); err != nil {
			return err
		}
		err = s.Save(q)
		if err == nil {
			return nil
		}
		var conflict *protocol.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
	}
	return fmt.Errorf("update job %s: gave up after %d conflicts", jobID, saveRetries)
}

// FindJob scans all projects for a job id.
func (s *Store) FindJob(jobID string) (*protocol.Job, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		q, err := s.Load(p)
		if err != nil {
			continue
		}
		if job := q.Find(jobID); job != nil {
			out := *job
			return &out, nil
		}
	}
	return nil, &protocol.JobNotFoundError{JobID: jobID}
}

// ListProjects returns the ids of every live project, sorted.
func (s *Store) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(s.ProjectsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.QueuePath(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteProject tombstones the id and removes the project directory.
// The tombstone is written first so a crash between the two steps still
// rejects later enqueues. Session teardown is the reaper's job, not
// ours.
func (s *Store) DeleteProject(projectID string) error {
	if _, err := s.Load(projectID); err != nil {
		return err
	}
	if err := s.addTombstone(projectID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.ProjectDir(projectID)); err != nil {
		return fmt.Errorf("remove project dir: %w", err)
	}
	return nil
}

// Tombstoned reports whether a project id has been deleted.
func (s *Store) Tombstoned(projectID string) (bool, error) {
	tombs, err := s.loadTombstones()
	if err != nil {
		return false, err
	}
	_, ok := tombs[projectID]
	return ok, nil
}

// Tombstones returns all deleted project ids.
func (s *Store) Tombstones() ([]string, error) {
	tombs, err := s.loadTombstones()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tombs))
	for id := range tombs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) tombstonePath() string {
	return filepath.Join(s.home, protocol.TombstoneFile)
}

func (s *Store) loadTombstones() (map[string]time.Time, error) {
	data, err := os.ReadFile(s.tombstonePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]time.Time{}, nil
		}
		return nil, fmt.Errorf("read tombstones: %w", err)
	}
	var tombs map[string]time.Time
	if err := json.Unmarshal(data, &tombs); err != nil {
		return nil, fmt.Errorf("decode tombstones: %w", err)
	}
	if tombs == nil {
		tombs = map[string]time.Time{}
	}
	return tombs, nil
}

func (s *Store) addTombstone(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tombs, err := s.loadTombstones()
	if err != nil {
		return err
	}
	tombs[projectID] = time.Now().UTC()
	return s.writeDoc(s.tombstonePath(), tombs)
}

// writeDoc marshals v and writes it with write-temp-then-rename
// semantics: a crash mid-write leaves either the old document or the
// new one, never a torn file.
func (s *Store) writeDoc(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s into place: %w", filepath.Base(path), err)
	}
	return nil
}
