package eventlog

import (
	"context"
	"path/filepath"
	"testing"
)

func TestReaderSeesWriterEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	l, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Append(ctx, EventCompleted, "dispatcher", "p1", "job-1", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	r, err := NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	events, err := r.QueryEvents(ctx, QueryOpts{JobID: "job-1"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventCompleted {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestReaderMissingDatabase(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "absent.db"))
	if err == nil {
		t.Fatal("expected error for missing database")
	}
}
