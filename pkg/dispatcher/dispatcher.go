// Package dispatcher implements the singleton control loop that moves
// jobs through their lifecycle: slot-FIFO dispatch into worker sessions,
// completion detection, advisory progress probing, startup recovery, and
// orphan session reaping. Exactly one dispatcher runs at a time, gated
// by the heartbeat lock.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"stagehand/internal/applog"
	"stagehand/pkg/detect"
	"stagehand/pkg/eventlog"
	"stagehand/pkg/lock"
	"stagehand/pkg/protocol"
	"stagehand/pkg/queuestore"
	"stagehand/pkg/session"
)

// Broadcaster receives job and progress updates for live consumers. The
// WebSocket hub implements it; a nil Broadcaster disables broadcasting.
type Broadcaster interface {
	BroadcastJob(job protocol.Job)
	BroadcastProgress(sample protocol.ProgressSample)
}

// Config holds dispatcher timing configuration.
type Config struct {
	PollInterval         time.Duration // Main tick interval (default 5s).
	FallbackPollInterval time.Duration // Safety-net poll when fsnotify delivers nothing (default 60s).
	HeartbeatInterval    time.Duration // Lock heartbeat refresh interval (default 5s).
	ProbeInterval        time.Duration // Progress prober sampling interval (default 30s).
	ReapInterval         time.Duration // Orphan sweep interval (default 60s).
	IdleThreshold        time.Duration // Sessions idle this long with no pending jobs are reaped (default 30m).

	Timing detect.Timing // Per-kind grace periods and max waits.
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval == 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.FallbackPollInterval == 0 {
		out.FallbackPollInterval = 60 * time.Second
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = 5 * time.Second
	}
	if out.ProbeInterval == 0 {
		out.ProbeInterval = 30 * time.Second
	}
	if out.ReapInterval == 0 {
		out.ReapInterval = 60 * time.Second
	}
	if out.IdleThreshold == 0 {
		out.IdleThreshold = 30 * time.Minute
	}
	if out.Timing.DefaultGrace == 0 && len(out.Timing.Grace) == 0 {
		out.Timing = detect.DefaultTiming()
	}
	return out
}

// Dispatcher is the orchestrator. Create with New, then call Run.
type Dispatcher struct {
	cfg      Config
	store    *queuestore.Store
	sessions *session.Registry
	events   *eventlog.Log
	lock     *lock.Lock
	hub      Broadcaster
	logger   *slog.Logger

	mu      sync.Mutex
	started time.Time

	// nowFunc and newToken allow tests to control time and token
	// generation.
	nowFunc  func() time.Time
	newToken func() string
}

// New creates a Dispatcher. It does not acquire the lock or start any
// loops; call Run.
func New(cfg Config, store *queuestore.Store, sessions *session.Registry, events *eventlog.Log, lk *lock.Lock) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		store:    store,
		sessions: sessions,
		events:   events,
		lock:     lk,
		logger:   applog.WithComponent("dispatcher"),
		nowFunc:  time.Now,
		newToken: func() string { return "job-" + uuid.NewString()[:8] },
	}
}

// SetBroadcaster attaches a live-update sink. Must be called before Run.
func (d *Dispatcher) SetBroadcaster(hub Broadcaster) {
	d.hub = hub
}

// Uptime reports how long Run has been active.
func (d *Dispatcher) Uptime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started.IsZero() {
		return 0
	}
	return d.nowFunc().Sub(d.started)
}

// Run acquires the singleton lock, recovers any in-flight jobs from a
// prior process, and drives the dispatch, probe, heartbeat, and reap
// loops until ctx is cancelled or the lock is lost.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.lock.Acquire(); err != nil {
		return fmt.Errorf("acquire dispatcher lock: %w", err)
	}
	defer func() { _ = d.lock.Release() }()
	d.logEvent(ctx, eventlog.EventLockAcquired, "", "", "")

	d.mu.Lock()
	d.started = d.nowFunc()
	d.mu.Unlock()

	if err := d.recover(ctx); err != nil {
		return err
	}

	// A lost heartbeat must stop dispatching immediately.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.heartbeatLoop(ctx, cancel)
	go d.probeLoop(ctx)
	go d.reapLoop(ctx)

	d.watchLoop(ctx)
	return ctx.Err()
}

// recover surveys jobs left in flight by a prior process. It never
// re-sends instructions: the next tick re-verifies each job through the
// usual artifact/marker checks, so a job whose prior dispatch already
// completed resolves cleanly instead of being duplicated.
func (d *Dispatcher) recover(ctx context.Context) error {
	projects, err := d.store.ListProjects()
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, projectID := range projects {
		q, err := d.store.Load(projectID)
		if err != nil {
			d.logger.Warn("recover: load queue", "project_id", projectID, "error", err)
			continue
		}
		for i := range q.Jobs {
			j := &q.Jobs[i]
			if !j.Status.InFlight() {
				continue
			}
			d.logger.Info("recovered in-flight job",
				"project_id", projectID, "job_id", j.ID, "status", string(j.Status))
			d.logEvent(ctx, eventlog.EventRecovered, projectID, j.ID, string(j.Status))
		}
	}
	return nil
}

// heartbeatLoop refreshes the lock heartbeat. If the refresh fails the
// lock was reclaimed out from under us and dispatching must stop.
func (d *Dispatcher) heartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.lock.Refresh(); err != nil {
				d.logger.Error("lock heartbeat failed, stopping", "error", err)
				cancel()
				return
			}
		}
	}
}

// watchLoop ticks on filesystem changes under the projects directory,
// with a fallback poll as a safety net when fsnotify misses events or is
// unavailable.
func (d *Dispatcher) watchLoop(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.pollLoop(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(d.store.ProjectsDir()); err != nil {
		d.pollLoop(ctx)
		return
	}

	fallbackTicker := time.NewTicker(d.cfg.FallbackPollInterval)
	defer fallbackTicker.Stop()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			d.tick(ctx)
		case err := <-watcher.Errors:
			if err != nil {
				d.logger.Warn("watcher error", "error", err)
			}
		case <-ticker.C:
			d.tick(ctx)
		case <-fallbackTicker.C:
			d.tick(ctx)
		}
	}
}

// pollLoop is the fallback when fsnotify is unavailable.
func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs one full pass: dispatch queued jobs into idle slots, then
// evaluate every in-flight job for completion.
func (d *Dispatcher) tick(ctx context.Context) {
	projects, err := d.store.ListProjects()
	if err != nil {
		d.logger.Warn("tick: list projects", "error", err)
		return
	}
	for _, projectID := range projects {
		d.tickProject(ctx, projectID)
	}
}

func (d *Dispatcher) tickProject(ctx context.Context, projectID string) {
	q, err := d.store.Load(projectID)
	if err != nil {
		if !errors.As(err, new(*protocol.UnknownProjectError)) {
			d.logger.Warn("tick: load queue", "project_id", projectID, "error", err)
		}
		return
	}

	// Dispatch phase: one slot per routing class, FIFO within a slot.
	// Slots advance independently, so isolated kinds run concurrently
	// with the primary conversation.
	for _, class := range protocol.Classes {
		if q.SlotBusy(class) {
			continue
		}
		next := q.NextQueued(class)
		if next == nil {
			continue
		}
		if err := d.dispatch(ctx, next); err != nil {
			d.logger.Error("dispatch failed",
				"project_id", projectID, "job_id", next.ID, "error", err)
		}
	}

	// Completion phase. Reload so dispatch-phase writes are visible.
	q, err = d.store.Load(projectID)
	if err != nil {
		return
	}
	for i := range q.Jobs {
		if q.Jobs[i].Status.InFlight() {
			d.check(ctx, &q.Jobs[i])
		}
	}
}

// dispatch sends one queued job's instruction into its worker session
// and persists the Dispatched transition. Send precedes persist: a crash
// in between leaves the job Queued and it is re-dispatched next run,
// which the completion detector disambiguates via the fresh correlation
// token.
func (d *Dispatcher) dispatch(ctx context.Context, job *protocol.Job) error {
	class := job.Kind.Class()
	sess, err := d.sessions.Acquire(job.ProjectID, string(class))
	if err != nil {
		return err
	}

	token := d.newToken()
	prepared := *job
	prepared.CorrelationToken = token
	if prepared.ExpectedArtifact == "" {
		prepared.ExpectedArtifact = job.Kind.DefaultArtifact()
	}

	if err := d.sessions.Send(sess.Name, BuildInstruction(&prepared)); err != nil {
		return fmt.Errorf("send instruction to %s: %w", sess.Name, err)
	}

	now := d.nowFunc()
	artifact := prepared.ExpectedArtifact
	err = d.store.UpdateJob(job.ProjectID, job.ID, func(j *protocol.Job) error {
		if j.Status != protocol.StatusQueued {
			// Raced with a cancel; the instruction is already in
			// flight but the job must not be resurrected.
			return nil
		}
		j.Status = protocol.StatusDispatched
		j.DispatchedAt = &now
		j.CorrelationToken = token
		j.ExpectedArtifact = artifact
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist dispatch of %s: %w", job.ID, err)
	}

	applog.WithJob(job.ProjectID, job.ID).Info("dispatched",
		"kind", string(job.Kind), "session", sess.Name)
	d.logEvent(ctx, eventlog.EventDispatched, job.ProjectID, job.ID, sess.Name)
	d.broadcastJob(job.ProjectID, job.ID)
	return nil
}

// check gathers observations for one in-flight job and applies the
// completion rules.
func (d *Dispatcher) check(ctx context.Context, job *protocol.Job) {
	sessName := protocol.SessionName(job.ProjectID, job.Kind.Class())

	obs := detect.Observations{
		Now:          d.nowFunc(),
		SessionAlive: d.sessions.Alive(sessName),
	}
	if path := d.store.ArtifactPath(job); path != "" {
		if info, err := os.Stat(path); err == nil {
			obs.ArtifactExists = true
			obs.ArtifactModTime = info.ModTime()
		}
	}
	if obs.SessionAlive {
		if buf, err := d.sessions.ReadBuffer(sessName); err == nil {
			obs.Buffer = buf
		}
	}

	out := detect.Evaluate(*job, obs, d.cfg.Timing)
	switch out.Decision {
	case detect.Wait:
		return
	case detect.Poll:
		if job.Status != protocol.StatusDispatched {
			return
		}
		d.transition(ctx, job, func(j *protocol.Job) {
			j.Status = protocol.StatusProbing
		}, "")
	case detect.Complete:
		now := d.nowFunc()
		d.transition(ctx, job, func(j *protocol.Job) {
			j.Status = protocol.StatusCompleted
			j.CompletedAt = &now
			j.Progress = 100
		}, eventlog.EventCompleted)
	case detect.Fail:
		now := d.nowFunc()
		reason := out.Reason
		d.transition(ctx, job, func(j *protocol.Job) {
			j.Status = protocol.StatusFailed
			j.FailReason = reason
			j.CompletedAt = &now
		}, eventlog.EventFailed)
	}
}

// transition persists a job mutation, guarding against a concurrent
// cancel having already finished the job.
func (d *Dispatcher) transition(ctx context.Context, job *protocol.Job, apply func(*protocol.Job), eventType string) {
	err := d.store.UpdateJob(job.ProjectID, job.ID, func(j *protocol.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		apply(j)
		return nil
	})
	if err != nil {
		d.logger.Error("persist transition",
			"project_id", job.ProjectID, "job_id", job.ID, "error", err)
		return
	}
	if eventType != "" {
		applog.WithJob(job.ProjectID, job.ID).Info(eventType)
		d.logEvent(ctx, eventType, job.ProjectID, job.ID, "")
	}
	d.broadcastJob(job.ProjectID, job.ID)
}

// Cancel requests cancellation of a job. Queued jobs cancel immediately;
// in-flight jobs on isolated sessions have the session torn down, while
// primary-session jobs are only marked (killing the shared session would
// destroy conversational context other kinds depend on). A job that
// slips to Completed first stays Completed.
func (d *Dispatcher) Cancel(ctx context.Context, projectID, jobID string) error {
	var cancelled bool
	var class protocol.RoutingClass
	err := d.store.UpdateJob(projectID, jobID, func(j *protocol.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = protocol.StatusCancelled
		now := d.nowFunc()
		j.CompletedAt = &now
		cancelled = true
		class = j.Kind.Class()
		return nil
	})
	if err != nil {
		return err
	}
	if !cancelled {
		return nil
	}

	if class != protocol.ClassPrimary {
		sessName := protocol.SessionName(projectID, class)
		if err := d.sessions.Terminate(sessName); err != nil {
			d.logger.Warn("terminate session on cancel",
				"session", sessName, "error", err)
		}
	}

	d.logEvent(ctx, eventlog.EventCancelled, projectID, jobID, "")
	d.broadcastJob(projectID, jobID)
	return nil
}

// probeLoop samples buffers of probing jobs and publishes advisory
// progress. Estimates never influence completion decisions.
func (d *Dispatcher) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.probeAll(ctx)
		}
	}
}

func (d *Dispatcher) probeAll(ctx context.Context) {
	projects, err := d.store.ListProjects()
	if err != nil {
		return
	}
	for _, projectID := range projects {
		q, err := d.store.Load(projectID)
		if err != nil {
			continue
		}
		for i := range q.Jobs {
			j := q.Jobs[i]
			if !j.Status.InFlight() || j.DispatchedAt == nil {
				continue
			}
			d.probeJob(ctx, j)
		}
	}
}

func (d *Dispatcher) probeJob(ctx context.Context, job protocol.Job) {
	sessName := protocol.SessionName(job.ProjectID, job.Kind.Class())
	buf, err := d.sessions.ReadBuffer(sessName)
	if err != nil {
		return
	}
	percent, ok := detect.EstimatePercent(buf, job.CorrelationToken)
	if !ok || percent == job.Progress {
		return
	}

	sample := protocol.ProgressSample{
		JobID:          job.ID,
		ProjectID:      job.ProjectID,
		Percent:        percent,
		ElapsedSeconds: int64(d.nowFunc().Sub(*job.DispatchedAt) / time.Second),
		UpdatedAt:      d.nowFunc(),
	}
	if d.events != nil {
		if err := d.events.RecordProgress(ctx, sample); err != nil {
			d.logger.Warn("record progress", "job_id", job.ID, "error", err)
		}
	}
	// Progress on the job record is cosmetic; failures here never block
	// the state machine.
	_ = d.store.UpdateJob(job.ProjectID, job.ID, func(j *protocol.Job) error {
		if !j.Status.Terminal() {
			j.Progress = percent
		}
		return nil
	})
	if d.hub != nil {
		d.hub.BroadcastProgress(sample)
	}
}

// broadcastJob pushes the job's current persisted state to the hub.
func (d *Dispatcher) broadcastJob(projectID, jobID string) {
	if d.hub == nil {
		return
	}
	q, err := d.store.Load(projectID)
	if err != nil {
		return
	}
	if j := q.Find(jobID); j != nil {
		d.hub.BroadcastJob(*j)
	}
}

// logEvent appends to the audit log. Best effort: an audit failure must
// never block a job transition.
func (d *Dispatcher) logEvent(ctx context.Context, eventType, projectID, jobID, payload string) {
	if d.events == nil {
		return
	}
	if err := d.events.Append(ctx, eventType, "dispatcher", projectID, jobID, payload); err != nil {
		d.logger.Warn("event log append", "type", eventType, "error", err)
	}
}
