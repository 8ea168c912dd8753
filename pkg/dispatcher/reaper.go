package dispatcher

import (
	"context"
	"time"

	"stagehand/pkg/eventlog"
	"stagehand/pkg/protocol"
	"stagehand/pkg/session"
)

// OnProjectDeleted tombstones and removes the project, then terminates
// every worker session derived from its id. Called synchronously from
// the delete path so sessions die before the caller sees success.
func (d *Dispatcher) OnProjectDeleted(ctx context.Context, projectID string) error {
	if err := d.store.DeleteProject(projectID); err != nil {
		return err
	}
	killed, err := d.sessions.TerminateProject(projectID)
	for _, name := range killed {
		d.logEvent(ctx, eventlog.EventSessionReaped, projectID, "", name)
	}
	d.logEvent(ctx, eventlog.EventProjectDeleted, projectID, "", "")
	return err
}

// reapLoop periodically sweeps for orphan sessions.
func (d *Dispatcher) reapLoop(ctx context.Context) {
	// An immediate sweep catches sessions orphaned while no dispatcher
	// was running.
	d.sweep(ctx)

	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep terminates sessions whose project is gone or tombstoned, and
// tracked sessions idle past the threshold with no pending jobs. Session
// names not derived from a project id are never touched.
func (d *Dispatcher) sweep(ctx context.Context) {
	live, err := d.sessions.Live()
	if err != nil {
		d.logger.Warn("reaper: list sessions", "error", err)
		return
	}

	projects, err := d.store.ListProjects()
	if err != nil {
		return
	}
	known := make(map[string]bool, len(projects))
	for _, id := range projects {
		known[id] = true
	}

	for _, name := range live {
		projectID, _, ok := session.ParseSessionName(name)
		if !ok {
			continue
		}
		if known[projectID] {
			continue
		}
		// Project deleted or never existed: orphan.
		if err := d.sessions.Terminate(name); err != nil {
			d.logger.Warn("reaper: terminate", "session", name, "error", err)
			continue
		}
		d.logger.Info("reaped orphan session", "session", name, "project_id", projectID)
		d.logEvent(ctx, eventlog.EventSessionReaped, projectID, "", name)
	}

	d.sweepIdle(ctx)
}

// sweepIdle terminates tracked sessions idle past the threshold whose
// project has no queued or in-flight jobs.
func (d *Dispatcher) sweepIdle(ctx context.Context) {
	cutoff := d.nowFunc().Add(-d.cfg.IdleThreshold)
	for _, s := range d.sessions.IdleSince(cutoff) {
		q, err := d.store.Load(s.ProjectID)
		if err != nil {
			continue
		}
		if hasPendingWork(q, s.Class) {
			continue
		}
		if err := d.sessions.Terminate(s.Name); err != nil {
			d.logger.Warn("reaper: terminate idle", "session", s.Name, "error", err)
			continue
		}
		d.logger.Info("reaped idle session", "session", s.Name)
		d.logEvent(ctx, eventlog.EventSessionReaped, s.ProjectID, "", s.Name)
	}
}

// hasPendingWork reports whether any job routed to the given class is
// queued or in flight.
func hasPendingWork(q *protocol.Queue, class string) bool {
	for i := range q.Jobs {
		j := &q.Jobs[i]
		if string(j.Kind.Class()) != class {
			continue
		}
		if j.Status == protocol.StatusQueued || j.Status.InFlight() {
			return true
		}
	}
	return false
}
