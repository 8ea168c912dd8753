package protocol

import "fmt"

// ConflictError reports an optimistic-concurrency collision on a queue
// document save: the on-disk revision advanced past the loaded one.
// Recoverable — callers re-load and retry.
type ConflictError struct {
	ProjectID string
	Loaded    int64
	OnDisk    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("queue conflict for project %s: loaded revision %d, on-disk revision %d",
		e.ProjectID, e.Loaded, e.OnDisk)
}

// LockHeldError means another live dispatcher owns the singleton lock.
// The caller must not proceed.
type LockHeldError struct {
	Owner     string
	PID       int
	Heartbeat string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("dispatcher lock held by %s (pid %d, heartbeat %s)",
		e.Owner, e.PID, e.Heartbeat)
}

// UnknownProjectError is returned at the enqueue boundary when the
// target project does not exist.
type UnknownProjectError struct {
	ProjectID string
}

func (e *UnknownProjectError) Error() string {
	return fmt.Sprintf("unknown project %s", e.ProjectID)
}

// ProjectDeletedError is returned at the enqueue boundary when the
// target project id is tombstoned. Distinct from UnknownProjectError so
// front-ends can tell "never existed" from "was deleted".
type ProjectDeletedError struct {
	ProjectID string
}

func (e *ProjectDeletedError) Error() string {
	return fmt.Sprintf("project %s has been deleted", e.ProjectID)
}

// JobNotFoundError is returned by job lookups across all projects.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}
