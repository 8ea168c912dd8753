package detect

import (
	"testing"
	"time"

	"stagehand/pkg/protocol"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testJob(kind protocol.JobKind, dispatchedAgo time.Duration, now time.Time) protocol.Job {
	at := now.Add(-dispatchedAgo)
	return protocol.Job{
		ID:           "job-1",
		ProjectID:    "p1",
		Kind:         kind,
		Status:       protocol.StatusDispatched,
		DispatchedAt: &at,
	}
}

func testTiming() Timing {
	return Timing{
		Grace:          map[protocol.JobKind]time.Duration{protocol.KindRequirementsExtraction: 5 * time.Second},
		MaxWait:        map[protocol.JobKind]time.Duration{},
		DefaultGrace:   10 * time.Second,
		DefaultMaxWait: time.Minute,
	}
}

func TestEvaluateWaitsOutGracePeriod(t *testing.T) {
	job := testJob(protocol.KindRequirementsExtraction, 2*time.Second, baseTime)
	obs := Observations{
		Now:             baseTime,
		ArtifactExists:  true,
		ArtifactModTime: baseTime.Add(-time.Second), // fresh, but grace wins
		SessionAlive:    true,
	}
	out := Evaluate(job, obs, testTiming())
	if out.Decision != Wait {
		t.Errorf("decision = %v, want Wait inside grace period", out.Decision)
	}
}

func TestEvaluateCompletesOnFreshArtifact(t *testing.T) {
	job := testJob(protocol.KindRequirementsExtraction, 10*time.Second, baseTime)
	obs := Observations{
		Now:             baseTime,
		ArtifactExists:  true,
		ArtifactModTime: job.DispatchedAt.Add(3 * time.Second),
		SessionAlive:    true,
	}
	out := Evaluate(job, obs, testTiming())
	if out.Decision != Complete {
		t.Errorf("decision = %v, want Complete for fresh artifact", out.Decision)
	}
}

func TestEvaluateIgnoresStaleArtifact(t *testing.T) {
	// Artifact left over from a previous run: mtime before dispatch.
	job := testJob(protocol.KindRequirementsExtraction, 10*time.Second, baseTime)
	obs := Observations{
		Now:             baseTime,
		ArtifactExists:  true,
		ArtifactModTime: job.DispatchedAt.Add(-time.Hour),
		SessionAlive:    true,
	}
	out := Evaluate(job, obs, testTiming())
	if out.Decision != Poll {
		t.Errorf("decision = %v, want Poll when artifact predates dispatch", out.Decision)
	}
}

func TestEvaluateArtifactMtimeEqualToDispatchIsNotFresh(t *testing.T) {
	job := testJob(protocol.KindRequirementsExtraction, 10*time.Second, baseTime)
	obs := Observations{
		Now:             baseTime,
		ArtifactExists:  true,
		ArtifactModTime: *job.DispatchedAt, // equal, not strictly after
		SessionAlive:    true,
	}
	out := Evaluate(job, obs, testTiming())
	if out.Decision == Complete {
		t.Error("mtime equal to dispatched_at must not complete the job")
	}
}

func TestEvaluateCompletesOnMarkerAfterToken(t *testing.T) {
	job := testJob(protocol.KindCostAnalysis, 30*time.Second, baseTime)
	job.CorrelationToken = "corr-abc123"
	obs := Observations{
		Now:          baseTime,
		Buffer:       "old job output\nTASK COMPLETED\n❯ corr-abc123\nworking...\nTASK COMPLETED\n",
		SessionAlive: true,
	}
	out := Evaluate(job, obs, testTiming())
	if out.Decision != Complete {
		t.Errorf("decision = %v, want Complete on marker after token", out.Decision)
	}
}

func TestEvaluateIgnoresMarkerBeforeToken(t *testing.T) {
	// Leftover marker from a prior job on the reused session, our token
	// echoed afterwards with no new marker yet.
	job := testJob(protocol.KindCostAnalysis, 30*time.Second, baseTime)
	job.CorrelationToken = "corr-abc123"
	obs := Observations{
		Now:          baseTime,
		Buffer:       "prior job\nTASK COMPLETED\n❯ corr-abc123\nstill working\n",
		SessionAlive: true,
	}
	out := Evaluate(job, obs, testTiming())
	if out.Decision != Poll {
		t.Errorf("decision = %v, want Poll for stale marker", out.Decision)
	}
}

func TestEvaluateMarkerWithTokenNeverEchoed(t *testing.T) {
	job := testJob(protocol.KindCostAnalysis, 30*time.Second, baseTime)
	job.CorrelationToken = "corr-abc123"
	obs := Observations{
		Now:          baseTime,
		Buffer:       "unrelated output\nTASK COMPLETED\n",
		SessionAlive: true,
	}
	out := Evaluate(job, obs, testTiming())
	if out.Decision != Poll {
		t.Errorf("decision = %v, want Poll when token never appeared", out.Decision)
	}
}

func TestEvaluateStaleArtifactContradictsMarker(t *testing.T) {
	job := testJob(protocol.KindTerraformCode, time.Minute, baseTime)
	job.CorrelationToken = "corr-tf1"
	obs := Observations{
		Now:             baseTime,
		ArtifactExists:  true,
		ArtifactModTime: job.DispatchedAt.Add(-time.Hour),
		Buffer:          "corr-tf1\nTASK COMPLETED\n",
		SessionAlive:    true,
	}
	timing := testTiming()
	timing.DefaultMaxWait = time.Hour
	out := Evaluate(job, obs, timing)
	if out.Decision != Poll {
		t.Errorf("decision = %v, want Poll when marker claims done but artifact was never rewritten", out.Decision)
	}
}

func TestEvaluateFailsOnTimeout(t *testing.T) {
	job := testJob(protocol.KindSolutionGeneration, 2*time.Minute, baseTime)
	obs := Observations{Now: baseTime, SessionAlive: true}
	out := Evaluate(job, obs, testTiming())
	if out.Decision != Fail || out.Reason != protocol.ReasonArtifactTimeout {
		t.Errorf("got (%v, %q), want timeout failure", out.Decision, out.Reason)
	}
}

func TestEvaluateFailsOnDeadSession(t *testing.T) {
	job := testJob(protocol.KindSolutionGeneration, 30*time.Second, baseTime)
	obs := Observations{Now: baseTime, SessionAlive: false}
	out := Evaluate(job, obs, testTiming())
	if out.Decision != Fail || out.Reason != protocol.ReasonWorkerSessionLost {
		t.Errorf("got (%v, %q), want session-lost failure", out.Decision, out.Reason)
	}
}

func TestEvaluateTimeoutWinsOverDeadSession(t *testing.T) {
	job := testJob(protocol.KindSolutionGeneration, 2*time.Minute, baseTime)
	obs := Observations{Now: baseTime, SessionAlive: false}
	out := Evaluate(job, obs, testTiming())
	if out.Reason != protocol.ReasonArtifactTimeout {
		t.Errorf("reason = %q, want artifact_timeout when both fire", out.Reason)
	}
}

func TestEstimatePercent(t *testing.T) {
	cases := []struct {
		name    string
		buffer  string
		token   string
		percent int
		ok      bool
	}{
		{"no output yet", "❯ corr-1\n", "corr-1", 10, true},
		{"analyzing", "corr-1\nAnalyzing the requirements document\n", "corr-1", 40, true},
		{"writing", "corr-1\nAnalyzing...\nWriting main.tf\n", "corr-1", 70, true},
		{"finalizing", "corr-1\nFinalizing output\n", "corr-1", 90, true},
		{"done", "corr-1\nTASK COMPLETED\n", "corr-1", 100, true},
		{"token missing", "Writing things\n", "corr-1", 0, false},
		{"no token required", "Generating solution\n", "", 60, true},
		{"prior job ignored", "Writing old stuff\ncorr-2\nAnalyzing\n", "corr-2", 40, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			percent, ok := EstimatePercent(tc.buffer, tc.token)
			if percent != tc.percent || ok != tc.ok {
				t.Errorf("EstimatePercent = (%d, %v), want (%d, %v)", percent, ok, tc.percent, tc.ok)
			}
		})
	}
}
