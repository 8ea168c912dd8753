package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stagehand/pkg/protocol"
)

// Event represents a single row from the dispatcher event log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	ProjectID string
	JobID     string
	Payload   string
	CreatedAt time.Time
}

// Event types recorded by the dispatcher.
const (
	EventEnqueued       = "enqueued"
	EventDispatched     = "dispatched"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventCancelled      = "cancelled"
	EventSessionCreated = "session_created"
	EventSessionReaped  = "session_reaped"
	EventProjectDeleted = "project_deleted"
	EventLockAcquired   = "lock_acquired"
	EventRecovered      = "recovered"
)

// Log is a handle to the runtime database. It is safe for concurrent
// use; SQLite serializes writers behind the busy timeout.
type Log struct {
	db *sql.DB
}

// Close releases the database connection. Safe to call multiple times.
func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Append records one event. Append failures are reported but callers
// treat the log as best-effort: an audit write must never block a job
// transition.
func (l *Log) Append(ctx context.Context, eventType, source, projectID, jobID, payload string) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO events (type, source, project_id, job_id, payload) VALUES (?, ?, ?, ?, ?)",
		eventType, source, projectID, jobID, payload)
	if err != nil {
		return fmt.Errorf("append event %s: %w", eventType, err)
	}
	return nil
}

// RecordProgress upserts the advisory progress snapshot for a job.
func (l *Log) RecordProgress(ctx context.Context, s protocol.ProgressSample) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO progress (job_id, project_id, percent, elapsed_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			percent = excluded.percent,
			elapsed_seconds = excluded.elapsed_seconds,
			updated_at = excluded.updated_at`,
		s.JobID, s.ProjectID, s.Percent, s.ElapsedSeconds, s.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record progress for %s: %w", s.JobID, err)
	}
	return nil
}

// Progress returns the latest snapshot for a job, or ok=false if the
// prober has not observed it yet.
func (l *Log) Progress(ctx context.Context, jobID string) (protocol.ProgressSample, bool, error) {
	var s protocol.ProgressSample
	var updatedAt string
	err := l.db.QueryRowContext(ctx,
		"SELECT job_id, project_id, percent, elapsed_seconds, updated_at FROM progress WHERE job_id = ?",
		jobID).Scan(&s.JobID, &s.ProjectID, &s.Percent, &s.ElapsedSeconds, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.ProgressSample{}, false, nil
	}
	if err != nil {
		return protocol.ProgressSample{}, false, fmt.Errorf("query progress for %s: %w", jobID, err)
	}
	s.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return protocol.ProgressSample{}, false, err
	}
	return s, true, nil
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// ProjectID filters events to a specific project.
	ProjectID string

	// JobID filters events to a specific job.
	JobID string

	// EventType filters to a specific event type.
	EventType string

	// After filters events created at or after this time.
	After *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// QueryEvents retrieves events matching the given filter criteria,
// oldest first. Returns an empty slice if no events match.
func (l *Log) QueryEvents(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var projectID, jobID, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &projectID, &jobID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ProjectID = projectID.String
		e.JobID = jobID.String
		e.Payload = payload.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, project_id, job_id, payload, created_at FROM events WHERE 1=1"

	if opts.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, opts.ProjectID)
	}
	if opts.JobID != "" {
		conditions = append(conditions, "job_id = ?")
		args = append(args, opts.JobID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(timeLayout))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}

const timeLayout = "2006-01-02 15:04:05"

// parseTime parses SQLite's default datetime() format, falling back to
// RFC3339 for rows written with explicit timestamps.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at %q: %w", s, err)
	}
	return t, nil
}
