package dispatcher

import (
	"fmt"
	"strings"

	"stagehand/pkg/protocol"
)

// taskDescriptions gives the agent its per-kind task framing. Callers
// can override the whole body via the job's "instruction" param; these
// cover the common case where the enqueuer supplies only inputs.
var taskDescriptions = map[protocol.JobKind]string{
	protocol.KindRequirementsExtraction: "Task: Requirements Extraction\n\nRead the project's input documents and extract a structured list of functional and non-functional requirements.",
	protocol.KindSolutionGeneration:     "Task: Solution Generation\n\nUsing the extracted requirements, produce a recommended solution design with component choices and tradeoffs.",
	protocol.KindArchitectureDiagram:    "Task: Architecture Diagram\n\nProduce an architecture diagram for the recommended solution in draw.io XML format.",
	protocol.KindCostAnalysis:           "Task: Cost Analysis\n\nAnalyze the architecture and provide a BASELINE cost calculation (on-demand pricing), an OPTIMIZED calculation (Reserved Instances, Spot, Savings Plans), the savings percentage, and detailed optimization recommendations.",
	protocol.KindTechnicalDocumentation: "Task: Technical Documentation\n\nProduce complete technical documentation for the solution: overview, component descriptions, data flows, and operational runbook.",
	protocol.KindTerraformCode:          "Task: Infrastructure Code (Terraform)\n\nGenerate Terraform code implementing the architecture. Use modules where appropriate and include variables with sensible defaults.",
	protocol.KindCloudFormationTemplate: "Task: Infrastructure Code (CloudFormation)\n\nGenerate a CloudFormation template implementing the architecture, with parameters for environment-specific values.",
}

// BuildInstruction composes the full text sent to a worker session for
// one job: task body, artifact destination, correlation token, and the
// completion confirmation request.
func BuildInstruction(job *protocol.Job) string {
	var b strings.Builder

	if body, ok := job.Params["instruction"]; ok && body != "" {
		b.WriteString(body)
	} else {
		b.WriteString(taskDescriptions[job.Kind])
	}
	b.WriteString("\n\n")

	if ctx, ok := job.Params["context"]; ok && ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}

	if job.ExpectedArtifact != "" {
		fmt.Fprintf(&b, "Save the complete output to: %s\n\n", job.ExpectedArtifact)
	}

	// The token ties this job's output to this dispatch on a session
	// that may hold leftover output from earlier jobs.
	if job.CorrelationToken != "" {
		fmt.Fprintf(&b, "Job tag: %s\n\n", job.CorrelationToken)
	}

	fmt.Fprintf(&b, "IMPORTANT: When complete, write %q as confirmation.", protocol.CompletionMarker)
	return b.String()
}
