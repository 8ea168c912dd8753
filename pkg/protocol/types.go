// Package protocol defines the shared domain types for the Stagehand
// orchestrator: jobs, job kinds, routing classes, the per-project queue
// document, and the session naming scheme. Every other package depends on
// protocol; protocol depends on nothing but the standard library.
package protocol

import (
	"fmt"
	"path"
	"time"
)

// JobKind identifies the type of AI-generation work a job performs.
type JobKind string

// Job kinds. The first three share a project's primary worker session
// (they build on each other conversationally); the rest each get an
// isolated session so they can run concurrently.
const (
	KindRequirementsExtraction JobKind = "requirements_extraction"
	KindSolutionGeneration     JobKind = "solution_generation"
	KindArchitectureDiagram    JobKind = "architecture_diagram"
	KindCostAnalysis           JobKind = "cost_analysis"
	KindTechnicalDocumentation JobKind = "technical_documentation"
	KindTerraformCode          JobKind = "terraform_code"
	KindCloudFormationTemplate JobKind = "cloudformation_template"
)

// Kinds lists every valid job kind in dispatch-priority order.
var Kinds = []JobKind{
	KindRequirementsExtraction,
	KindSolutionGeneration,
	KindArchitectureDiagram,
	KindCostAnalysis,
	KindTechnicalDocumentation,
	KindTerraformCode,
	KindCloudFormationTemplate,
}

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindRequirementsExtraction, KindSolutionGeneration, KindArchitectureDiagram,
		KindCostAnalysis, KindTechnicalDocumentation, KindTerraformCode, KindCloudFormationTemplate:
		return true
	}
	return false
}

// RoutingClass decides which worker session a job kind targets. Kinds in
// ClassPrimary share one conversational session per project; every other
// class is isolated per (project, class).
type RoutingClass string

// Routing classes. The short values double as the session name segment.
const (
	ClassPrimary        RoutingClass = "main"
	ClassCostAnalysis   RoutingClass = "ca"
	ClassDocumentation  RoutingClass = "td"
	ClassTerraform      RoutingClass = "tf"
	ClassCloudFormation RoutingClass = "cf"
)

// Classes lists every routing class. One dispatch slot exists per
// (project, class) pair.
var Classes = []RoutingClass{
	ClassPrimary,
	ClassCostAnalysis,
	ClassDocumentation,
	ClassTerraform,
	ClassCloudFormation,
}

// Class returns the routing class for a job kind.
func (k JobKind) Class() RoutingClass {
	switch k {
	case KindCostAnalysis:
		return ClassCostAnalysis
	case KindTechnicalDocumentation:
		return ClassDocumentation
	case KindTerraformCode:
		return ClassTerraform
	case KindCloudFormationTemplate:
		return ClassCloudFormation
	default:
		return ClassPrimary
	}
}

// ArtifactDir returns the conventional artifact subdirectory (relative to
// the project's artifacts root) the external agent writes this kind's
// output to.
func (k JobKind) ArtifactDir() string {
	switch k {
	case KindRequirementsExtraction:
		return "requirements"
	case KindSolutionGeneration:
		return "solutions"
	case KindArchitectureDiagram:
		return "diagrams"
	case KindCostAnalysis:
		return "cost_analysis"
	case KindTechnicalDocumentation:
		return "docs"
	case KindTerraformCode:
		return "terraform"
	case KindCloudFormationTemplate:
		return "cloudformation"
	default:
		return ""
	}
}

// DefaultArtifact returns the conventional expected artifact path for a
// kind, relative to the project directory. The external agent-invocation
// layer owns writing the file; the orchestrator only reads existence and
// mtime.
func (k JobKind) DefaultArtifact() string {
	var file string
	switch k {
	case KindRequirementsExtraction:
		file = "requirements.md"
	case KindSolutionGeneration:
		file = "solution.md"
	case KindArchitectureDiagram:
		file = "architecture.drawio"
	case KindCostAnalysis:
		file = "cost_analysis.md"
	case KindTechnicalDocumentation:
		file = "documentation.md"
	case KindTerraformCode:
		file = "main.tf"
	case KindCloudFormationTemplate:
		file = "template.yaml"
	default:
		return ""
	}
	return path.Join("artifacts", k.ArtifactDir(), file)
}

// SessionName derives the tmux session name for a (project, class) pair.
// The relationship is fixed so the reaper can map sessions back to
// projects without any registry state: sh_<class>_<projectID>.
func SessionName(projectID string, class RoutingClass) string {
	return fmt.Sprintf("%s_%s_%s", SessionPrefix, class, projectID)
}

// JobStatus is a state in the job state machine:
//
//	queued → dispatched → probing → completed | failed | cancelled
type JobStatus string

// Job statuses.
const (
	StatusQueued     JobStatus = "queued"
	StatusDispatched JobStatus = "dispatched"
	StatusProbing    JobStatus = "probing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal status. Terminal jobs are
// retained in the queue document for audit, never deleted.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// InFlight reports whether s means an instruction has been sent to a
// worker session and no terminal signal has been observed yet.
func (s JobStatus) InFlight() bool {
	return s == StatusDispatched || s == StatusProbing
}

// FailReason classifies why a job reached StatusFailed.
type FailReason string

// Fail reasons surfaced to operators via the query API.
const (
	ReasonArtifactTimeout   FailReason = "artifact_timeout"
	ReasonWorkerSessionLost FailReason = "worker_session_lost"
)

// Job is one asynchronous unit of AI-generation work. Jobs are created by
// external enqueuers and mutated only by the dispatcher and completion
// detector.
type Job struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"project_id"`
	RunID            string            `json:"run_id,omitempty"`
	Kind             JobKind           `json:"kind"`
	Status           JobStatus         `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	DispatchedAt     *time.Time        `json:"dispatched_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ExpectedArtifact string            `json:"expected_artifact_path,omitempty"`
	RetryCount       int               `json:"retry_count"`
	CorrelationToken string            `json:"correlation_token"`
	FailReason       FailReason        `json:"fail_reason,omitempty"`
	Params           map[string]string `json:"params,omitempty"`

	// Progress is the advisory prober estimate in percent. Never
	// consulted for state transitions.
	Progress int `json:"progress"`
}

// Queue is the persisted per-project queue document. Revision increments
// on every save and is the optimistic-concurrency fence: a Save whose
// loaded revision trails the on-disk one fails with ConflictError.
type Queue struct {
	ProjectID string `json:"project_id"`
	Revision  int64  `json:"revision"`
	Jobs      []Job  `json:"jobs"`
}

// Find returns a pointer into q.Jobs for the given job id, or nil.
func (q *Queue) Find(jobID string) *Job {
	for i := range q.Jobs {
		if q.Jobs[i].ID == jobID {
			return &q.Jobs[i]
		}
	}
	return nil
}

// NextQueued returns the oldest queued job for the given routing class
// (FIFO within a slot), or nil when that slot has nothing waiting.
func (q *Queue) NextQueued(class RoutingClass) *Job {
	var oldest *Job
	for i := range q.Jobs {
		j := &q.Jobs[i]
		if j.Status != StatusQueued || j.Kind.Class() != class {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	return oldest
}

// SlotBusy reports whether any job of the given routing class is in
// flight. The dispatcher's one-running-job-per-slot invariant hangs on
// this check.
func (q *Queue) SlotBusy(class RoutingClass) bool {
	for i := range q.Jobs {
		if q.Jobs[i].Kind.Class() == class && q.Jobs[i].Status.InFlight() {
			return true
		}
	}
	return false
}

// ProgressSample is one advisory prober observation, published to the
// event log and the WebSocket feed.
type ProgressSample struct {
	JobID          string    `json:"job_id"`
	ProjectID      string    `json:"project_id"`
	Percent        int       `json:"percent"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
	UpdatedAt      time.Time `json:"updated_at"`
}
