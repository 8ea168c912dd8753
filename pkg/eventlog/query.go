package eventlog

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite" // SQLite driver
)

// Reader provides read-only access to an existing event log. CLI
// commands use it so they never create a database the dispatcher has
// not initialized.
type Reader struct {
	Log
}

// NewReader opens the event log database in read-only mode with WAL.
// Returns an error if the database does not exist.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("event log not found: %w", err)
	}

	// Read-only plus WAL so concurrent dispatcher writes are not blocked.
	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping event log: %w", err)
	}

	return &Reader{Log: Log{db: db}}, nil
}
