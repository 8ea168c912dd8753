package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stagehand/pkg/detect"
	"stagehand/pkg/protocol"
	"stagehand/pkg/queuestore"
	"stagehand/pkg/session"
)

// fakeTransport implements session.Transport in memory.
type fakeTransport struct {
	live    map[string]bool
	buffers map[string]string
	sent    map[string][]string
	killed  []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		live:    make(map[string]bool),
		buffers: make(map[string]string),
		sent:    make(map[string][]string),
	}
}

func (f *fakeTransport) Create(name string) error {
	f.live[name] = true
	return nil
}

func (f *fakeTransport) Send(name, text string) error {
	f.sent[name] = append(f.sent[name], text)
	f.buffers[name] += text + "\n"
	return nil
}

func (f *fakeTransport) Capture(name string) (string, error) { return f.buffers[name], nil }

func (f *fakeTransport) Kill(name string) error {
	f.killed = append(f.killed, name)
	delete(f.live, name)
	return nil
}

func (f *fakeTransport) Exists(name string) bool { return f.live[name] }

func (f *fakeTransport) List() ([]string, error) {
	var names []string
	for name := range f.live {
		names = append(names, name)
	}
	return names, nil
}

// instructions returns messages sent to a session, excluding the
// registry's post-create handshake probes.
func (f *fakeTransport) instructions(name string) []string {
	var out []string
	for _, msg := range f.sent[name] {
		if strings.HasPrefix(msg, "handshake-") {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (f *fakeTransport) totalInstructions() int {
	n := 0
	for name := range f.sent {
		n += len(f.instructions(name))
	}
	return n
}

type harness struct {
	d     *Dispatcher
	store *queuestore.Store
	ft    *fakeTransport
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessAt(t, t.TempDir())
}

// newHarnessAt builds a dispatcher over an existing home directory,
// used to simulate a restart over surviving state.
func newHarnessAt(t *testing.T, home string) *harness {
	t.Helper()
	h := &harness{
		store: queuestore.NewStore(home),
		ft:    newFakeTransport(),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		Timing: detect.Timing{
			DefaultGrace:   time.Second,
			DefaultMaxWait: time.Hour,
		},
	}
	h.d = New(cfg, h.store, session.NewRegistry(h.ft), nil, nil)
	h.d.nowFunc = func() time.Time { return h.now }
	seq := 0
	h.d.newToken = func() string {
		seq++
		return fmt.Sprintf("tok-%d", seq)
	}
	return h
}

func (h *harness) enqueue(t *testing.T, projectID, jobID string, kind protocol.JobKind) {
	t.Helper()
	if _, err := h.store.Load(projectID); err != nil {
		if err := h.store.CreateProject(projectID); err != nil {
			t.Fatalf("CreateProject: %v", err)
		}
	}
	err := h.store.Append(projectID, protocol.Job{
		ID:        jobID,
		ProjectID: projectID,
		Kind:      kind,
		Status:    protocol.StatusQueued,
		CreatedAt: h.now,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func (h *harness) job(t *testing.T, projectID, jobID string) protocol.Job {
	t.Helper()
	q, err := h.store.Load(projectID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	j := q.Find(jobID)
	if j == nil {
		t.Fatalf("job %s not found", jobID)
	}
	return *j
}

func (h *harness) writeArtifact(t *testing.T, projectID, jobID string) {
	t.Helper()
	j := h.job(t, projectID, jobID)
	path := h.store.ArtifactPath(&j)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("output"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTickDispatchesQueuedJob(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindRequirementsExtraction)

	h.d.tick(context.Background())

	j := h.job(t, "p1", "j1")
	if j.Status != protocol.StatusDispatched {
		t.Fatalf("status = %q, want dispatched", j.Status)
	}
	if j.DispatchedAt == nil || !j.DispatchedAt.Equal(h.now) {
		t.Error("dispatched_at not recorded")
	}
	if j.CorrelationToken == "" {
		t.Error("correlation token not assigned")
	}
	if j.ExpectedArtifact == "" {
		t.Error("expected artifact not defaulted")
	}

	sent := h.ft.instructions("sh_main_p1")
	if len(sent) != 1 {
		t.Fatalf("instructions to primary session = %d, want 1", len(sent))
	}
	if !strings.Contains(sent[0], protocol.CompletionMarker) {
		t.Error("instruction missing completion confirmation request")
	}
	if !strings.Contains(sent[0], j.CorrelationToken) {
		t.Error("instruction missing correlation token")
	}
}

func TestSameSlotIsFIFO(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindRequirementsExtraction)
	h.now = h.now.Add(time.Second)
	h.enqueue(t, "p1", "j2", protocol.KindRequirementsExtraction)

	ctx := context.Background()
	h.d.tick(ctx)

	if s := h.job(t, "p1", "j1").Status; s != protocol.StatusDispatched {
		t.Fatalf("j1 = %q", s)
	}
	if s := h.job(t, "p1", "j2").Status; s != protocol.StatusQueued {
		t.Fatalf("j2 = %q, want queued while slot is busy", s)
	}

	// Still queued on later ticks while j1 is in flight.
	h.now = h.now.Add(time.Minute)
	h.d.tick(ctx)
	if s := h.job(t, "p1", "j2").Status; s != protocol.StatusQueued {
		t.Fatalf("j2 = %q after second tick", s)
	}

	// j1 completes; j2 dispatches on the next tick.
	h.writeArtifact(t, "p1", "j1")
	h.now = time.Now().Add(time.Minute)
	h.d.tick(ctx)
	if s := h.job(t, "p1", "j1").Status; s != protocol.StatusCompleted {
		t.Fatalf("j1 = %q, want completed", s)
	}
	h.d.tick(ctx)
	if s := h.job(t, "p1", "j2").Status; s != protocol.StatusDispatched {
		t.Fatalf("j2 = %q, want dispatched after slot freed", s)
	}
}

func TestIsolatedClassesDispatchConcurrently(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j-ca", protocol.KindCostAnalysis)
	h.enqueue(t, "p1", "j-td", protocol.KindTechnicalDocumentation)

	h.d.tick(context.Background())

	if s := h.job(t, "p1", "j-ca").Status; s != protocol.StatusDispatched {
		t.Errorf("cost analysis = %q", s)
	}
	if s := h.job(t, "p1", "j-td").Status; s != protocol.StatusDispatched {
		t.Errorf("documentation = %q", s)
	}
	if len(h.ft.instructions("sh_ca_p1")) != 1 || len(h.ft.instructions("sh_td_p1")) != 1 {
		t.Error("jobs did not go to distinct sessions")
	}
}

func TestStaleArtifactDoesNotComplete(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindTerraformCode)
	ctx := context.Background()
	h.d.tick(ctx)

	// Artifact left by a previous run: mtime before dispatched_at.
	h.writeArtifact(t, "p1", "j1")
	j := h.job(t, "p1", "j1")
	old := j.DispatchedAt.Add(-time.Hour)
	if err := os.Chtimes(h.store.ArtifactPath(&j), old, old); err != nil {
		t.Fatal(err)
	}

	h.now = h.now.Add(time.Minute)
	h.d.tick(ctx)
	if s := h.job(t, "p1", "j1").Status; s == protocol.StatusCompleted {
		t.Fatal("stale artifact completed the job")
	}
}

func TestTimeoutFailsJob(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindSolutionGeneration)
	ctx := context.Background()
	h.d.tick(ctx)

	h.now = h.now.Add(2 * time.Hour)
	h.d.tick(ctx)

	j := h.job(t, "p1", "j1")
	if j.Status != protocol.StatusFailed || j.FailReason != protocol.ReasonArtifactTimeout {
		t.Fatalf("got (%q, %q), want timeout failure", j.Status, j.FailReason)
	}
}

func TestDeadSessionFailsJob(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindSolutionGeneration)
	ctx := context.Background()
	h.d.tick(ctx)

	delete(h.ft.live, "sh_main_p1")
	h.now = h.now.Add(time.Minute)
	h.d.tick(ctx)

	j := h.job(t, "p1", "j1")
	if j.Status != protocol.StatusFailed || j.FailReason != protocol.ReasonWorkerSessionLost {
		t.Fatalf("got (%q, %q), want session-lost failure", j.Status, j.FailReason)
	}
}

func TestRestartNeverResends(t *testing.T) {
	home := t.TempDir()
	h1 := newHarnessAt(t, home)
	h1.enqueue(t, "p1", "j1", protocol.KindRequirementsExtraction)
	ctx := context.Background()
	h1.d.tick(ctx)
	if h1.ft.totalInstructions() != 1 {
		t.Fatalf("sends = %d", h1.ft.totalInstructions())
	}

	// New process over the same state. The session survived the crash.
	h2 := newHarnessAt(t, home)
	h2.ft.live["sh_main_p1"] = true
	if err := h2.d.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	h2.now = h2.now.Add(time.Minute)
	h2.d.tick(ctx)
	if h2.ft.totalInstructions() != 0 {
		t.Fatal("restarted dispatcher re-sent an in-flight instruction")
	}

	// The job resolves through the artifact check, not a re-dispatch.
	h2.writeArtifact(t, "p1", "j1")
	h2.now = time.Now().Add(time.Minute)
	h2.d.tick(ctx)
	if s := h2.job(t, "p1", "j1").Status; s != protocol.StatusCompleted {
		t.Fatalf("status = %q, want completed after recovery", s)
	}
	if h2.ft.totalInstructions() != 0 {
		t.Fatal("recovery sent an instruction")
	}
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindCostAnalysis)

	if err := h.d.Cancel(context.Background(), "p1", "j1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if s := h.job(t, "p1", "j1").Status; s != protocol.StatusCancelled {
		t.Fatalf("status = %q", s)
	}

	// A later tick must not dispatch the cancelled job.
	h.d.tick(context.Background())
	if h.ft.totalInstructions() != 0 {
		t.Error("cancelled job was dispatched")
	}
}

func TestCancelInFlightIsolatedJobTearsDownSession(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindCostAnalysis)
	ctx := context.Background()
	h.d.tick(ctx)

	if err := h.d.Cancel(ctx, "p1", "j1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.ft.live["sh_ca_p1"] {
		t.Error("isolated session survived cancel")
	}
}

func TestCancelInFlightPrimaryJobKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindRequirementsExtraction)
	ctx := context.Background()
	h.d.tick(ctx)

	if err := h.d.Cancel(ctx, "p1", "j1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !h.ft.live["sh_main_p1"] {
		t.Error("shared primary session was killed by cancel")
	}
}

func TestCancelCompletedJobIsNoop(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindRequirementsExtraction)
	ctx := context.Background()
	h.d.tick(ctx)
	h.writeArtifact(t, "p1", "j1")
	h.now = time.Now().Add(time.Minute)
	h.d.tick(ctx)

	if err := h.d.Cancel(ctx, "p1", "j1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if s := h.job(t, "p1", "j1").Status; s != protocol.StatusCompleted {
		t.Fatalf("completed job was rewritten to %q", s)
	}
}

func TestOnProjectDeletedReapsAllSessions(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindRequirementsExtraction)
	h.enqueue(t, "p1", "j2", protocol.KindCostAnalysis)
	h.enqueue(t, "p2", "j3", protocol.KindRequirementsExtraction)
	ctx := context.Background()
	h.d.tick(ctx)

	if err := h.d.OnProjectDeleted(ctx, "p1"); err != nil {
		t.Fatalf("OnProjectDeleted: %v", err)
	}

	if h.ft.live["sh_main_p1"] || h.ft.live["sh_ca_p1"] {
		t.Error("a p1 session survived project deletion")
	}
	if !h.ft.live["sh_main_p2"] {
		t.Error("p2 session was killed")
	}

	// Post-deletion enqueues are rejected via the tombstone.
	err := h.store.Append("p1", protocol.Job{ID: "j4", ProjectID: "p1", Kind: protocol.KindCostAnalysis, Status: protocol.StatusQueued})
	if err == nil {
		t.Fatal("enqueue to deleted project succeeded")
	}
}

func TestSweepReapsSessionsOfMissingProjects(t *testing.T) {
	h := newHarness(t)
	h.ft.live["sh_main_ghost"] = true
	h.ft.live["unmanaged_session"] = true
	ctx := context.Background()

	h.d.sweep(ctx)

	if h.ft.live["sh_main_ghost"] {
		t.Error("session of missing project survived sweep")
	}
	if !h.ft.live["unmanaged_session"] {
		t.Error("sweep killed a session it does not own")
	}
}

func TestSweepKeepsIdleSessionWithPendingWork(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindRequirementsExtraction)
	ctx := context.Background()
	h.d.tick(ctx)

	// Well past the idle threshold, but j1 is still in flight.
	h.now = h.now.Add(2 * h.d.cfg.IdleThreshold)
	h.d.sweep(ctx)
	if !h.ft.live["sh_main_p1"] {
		t.Error("session with an in-flight job was reaped")
	}
}

func TestSweepReapsIdleSessionWithoutWork(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindRequirementsExtraction)
	ctx := context.Background()
	h.d.tick(ctx)
	h.writeArtifact(t, "p1", "j1")
	h.now = time.Now().Add(time.Minute)
	h.d.tick(ctx)

	h.now = h.now.Add(2 * h.d.cfg.IdleThreshold)
	h.d.sweep(ctx)
	if h.ft.live["sh_main_p1"] {
		t.Error("idle session with no pending work survived sweep")
	}
}

func TestProbeUpdatesAdvisoryProgress(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", "j1", protocol.KindCostAnalysis)
	ctx := context.Background()
	h.d.tick(ctx)

	j := h.job(t, "p1", "j1")
	h.ft.buffers["sh_ca_p1"] += j.CorrelationToken + "\nAnalyzing the architecture\n"

	h.now = h.now.Add(time.Minute)
	h.d.probeAll(ctx)

	if p := h.job(t, "p1", "j1").Progress; p != 40 {
		t.Errorf("progress = %d, want 40", p)
	}
	// Probing never completes or fails a job.
	if s := h.job(t, "p1", "j1").Status; s.Terminal() {
		t.Errorf("prober drove job to terminal status %q", s)
	}
}
