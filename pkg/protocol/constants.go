package protocol

// Directory and naming constants used throughout Stagehand.
const (
	// StagehandDir is the user-level state directory (e.g., ~/.stagehand).
	StagehandDir = ".stagehand"

	// ProjectsDir is the subdirectory holding one directory per project.
	ProjectsDir = "projects"

	// QueueFile is the per-project queue document name.
	QueueFile = "job_queue.json"

	// TombstoneFile remembers deleted project ids so late enqueues are
	// rejected instead of silently re-creating sessions.
	TombstoneFile = "tombstones.json"

	// SessionPrefix namespaces every worker session Stagehand owns. The
	// reaper only ever touches sessions carrying this prefix.
	SessionPrefix = "sh"

	// CompletionMarker is the literal line every dispatched instruction
	// asks the agent to print when it has finished and saved all files.
	CompletionMarker = "TASK COMPLETED"
)
