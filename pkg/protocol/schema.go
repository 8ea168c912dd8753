package protocol

// SchemaDDL defines the SQLite schema for the Stagehand runtime database.
// Tables: events (dispatcher audit log) and progress (advisory prober
// snapshots). Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Runtime event log: all dispatcher/session lifecycle events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    project_id TEXT,
    job_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS events_job_idx ON events(job_id);
CREATE INDEX IF NOT EXISTS events_project_idx ON events(project_id);

-- Advisory progress snapshots written by the prober; one row per job,
-- upserted in place. Read by the progress API, never by the dispatcher.
CREATE TABLE IF NOT EXISTS progress (
    job_id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    percent INTEGER NOT NULL,
    elapsed_seconds INTEGER NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
