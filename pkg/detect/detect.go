// Package detect decides when in-flight jobs are done. The detector is a
// pure function over observations the dispatcher collects (artifact
// stat, buffer snapshot, session liveness, clock) so every transition
// rule is testable without tmux or a filesystem race.
package detect

import (
	"strings"
	"time"

	"stagehand/pkg/protocol"
)

// Decision is what the dispatcher should do with an in-flight job.
type Decision int

const (
	// Wait means the grace period has not elapsed; the job stays
	// Dispatched and no signals are consulted yet.
	Wait Decision = iota
	// Poll means the grace period elapsed but no terminal signal was
	// observed; the job is (or becomes) Probing.
	Poll
	// Complete means a valid completion signal was observed.
	Complete
	// Fail means the job is terminally failed; Outcome.Reason says why.
	Fail
)

// Outcome is the detector's verdict for one evaluation.
type Outcome struct {
	Decision Decision
	Reason   protocol.FailReason
}

// Observations carries everything the detector may consult. The
// dispatcher gathers these before calling Evaluate so the decision
// itself is deterministic.
type Observations struct {
	Now time.Time

	// ArtifactExists and ArtifactModTime describe the job's expected
	// artifact path. ArtifactModTime is meaningful only when
	// ArtifactExists is true.
	ArtifactExists  bool
	ArtifactModTime time.Time

	// Buffer is a snapshot of the worker session's recent output.
	Buffer string

	// SessionAlive reports whether the job's worker session still has a
	// backing process.
	SessionAlive bool
}

// Timing holds the per-kind grace periods and maximum waits. Values are
// empirically tuned per deployment, so they come from configuration,
// with fallbacks for kinds a config file does not mention.
type Timing struct {
	Grace   map[protocol.JobKind]time.Duration
	MaxWait map[protocol.JobKind]time.Duration

	DefaultGrace   time.Duration
	DefaultMaxWait time.Duration
}

// DefaultTiming returns the stock timing table: short grace for
// lightweight textual outputs, longer for heavier generated artifacts.
func DefaultTiming() Timing {
	return Timing{
		Grace: map[protocol.JobKind]time.Duration{
			protocol.KindRequirementsExtraction: 5 * time.Second,
			protocol.KindSolutionGeneration:     30 * time.Second,
			protocol.KindArchitectureDiagram:    30 * time.Second,
			protocol.KindCostAnalysis:           15 * time.Second,
			protocol.KindTechnicalDocumentation: 15 * time.Second,
			protocol.KindTerraformCode:          30 * time.Second,
			protocol.KindCloudFormationTemplate: 30 * time.Second,
		},
		MaxWait:        map[protocol.JobKind]time.Duration{},
		DefaultGrace:   15 * time.Second,
		DefaultMaxWait: 10 * time.Minute,
	}
}

// GraceFor returns the grace period for a kind.
func (t Timing) GraceFor(kind protocol.JobKind) time.Duration {
	if d, ok := t.Grace[kind]; ok {
		return d
	}
	return t.DefaultGrace
}

// MaxWaitFor returns the maximum wait for a kind.
func (t Timing) MaxWaitFor(kind protocol.JobKind) time.Duration {
	if d, ok := t.MaxWait[kind]; ok {
		return d
	}
	return t.DefaultMaxWait
}

// Evaluate applies the completion rules to one in-flight job.
//
// Order matters: the artifact check runs before the marker scan so a
// freshly written artifact always wins, and the timeout check runs
// before the session-liveness check so a job that exhausted its budget
// reports ArtifactTimeout even if its session also died.
func Evaluate(job protocol.Job, obs Observations, timing Timing) Outcome {
	if job.DispatchedAt == nil {
		return Outcome{Decision: Wait}
	}
	elapsed := obs.Now.Sub(*job.DispatchedAt)

	// 1. Grace period: files and markers are not trustworthy yet.
	if elapsed < timing.GraceFor(job.Kind) {
		return Outcome{Decision: Wait}
	}

	// 2. Artifact freshly written after dispatch. Strictly-after guards
	// against a stale artifact left by a previous run of the same kind.
	artifactFresh := obs.ArtifactExists && obs.ArtifactModTime.After(*job.DispatchedAt)
	if artifactFresh {
		return Outcome{Decision: Complete}
	}

	// 3. Textual completion marker, scoped past the correlation token's
	// echo so leftover output from a prior job on a reused session is
	// never attributed to this one. A stale artifact contradicts the
	// marker: the agent claims done but never rewrote the file.
	if markerObserved(obs.Buffer, job.CorrelationToken) {
		staleArtifact := obs.ArtifactExists && !obs.ArtifactModTime.After(*job.DispatchedAt)
		if !staleArtifact {
			return Outcome{Decision: Complete}
		}
	}

	// 4. Budget exhausted with no valid completion signal.
	if elapsed > timing.MaxWaitFor(job.Kind) {
		return Outcome{Decision: Fail, Reason: protocol.ReasonArtifactTimeout}
	}

	// 5. Worker session died under the job.
	if !obs.SessionAlive {
		return Outcome{Decision: Fail, Reason: protocol.ReasonWorkerSessionLost}
	}

	return Outcome{Decision: Poll}
}

// markerObserved reports whether the completion marker appears in the
// buffer. When a correlation token is set, only output after the token's
// echo counts.
func markerObserved(buffer, token string) bool {
	scope := buffer
	if token != "" {
		idx := strings.Index(buffer, token)
		if idx < 0 {
			return false
		}
		scope = buffer[idx+len(token):]
	}
	return MarkerLine(scope)
}

// MarkerLine reports whether any line in the text is the completion
// marker. Matching whole lines keeps the echo of the instruction itself,
// which quotes the marker mid-sentence, from counting as completion.
func MarkerLine(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, " \t>⏺●❯-•")
		if strings.HasPrefix(trimmed, protocol.CompletionMarker) {
			return true
		}
	}
	return false
}
