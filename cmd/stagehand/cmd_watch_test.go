package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stagehand/pkg/api"
	"stagehand/pkg/protocol"
	"stagehand/pkg/queuestore"

	"github.com/google/uuid"
)

// idleController satisfies the API's controller surface for read-only
// watch polling.
type idleController struct{}

func (idleController) Cancel(context.Context, string, string) error   { return nil }
func (idleController) OnProjectDeleted(context.Context, string) error { return nil }
func (idleController) Uptime() time.Duration                          { return time.Minute }

type noSessions struct{}

func (noSessions) Live() ([]string, error) { return nil, nil }

func TestFetchSnapshotAgainstLiveRoutes(t *testing.T) {
	store := queuestore.NewStore(t.TempDir())
	if err := store.CreateProject("demo"); err != nil {
		t.Fatal(err)
	}
	job := protocol.Job{
		ID:        uuid.NewString(),
		ProjectID: "demo",
		Kind:      protocol.KindCostAnalysis,
		Status:    protocol.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Append("demo", job); err != nil {
		t.Fatal(err)
	}

	srv := api.New(api.Config{}, store, idleController{}, noSessions{}, nil)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	snap := fetchSnapshot(addr)
	if snap.err != nil {
		t.Fatalf("fetchSnapshot: %v", snap.err)
	}
	if snap.health.Projects != 1 || snap.health.QueueDepth != 1 {
		t.Errorf("health = %+v, want 1 project with 1 queued job", snap.health)
	}
	if len(snap.jobs) != 1 || snap.jobs[0].ID != job.ID {
		t.Fatalf("jobs = %+v, want the enqueued job", snap.jobs)
	}
	if snap.jobs[0].Kind != protocol.KindCostAnalysis {
		t.Errorf("kind = %s", snap.jobs[0].Kind)
	}
}

func TestFetchSnapshotOfflineDaemon(t *testing.T) {
	snap := fetchSnapshot("127.0.0.1:1")
	if snap.err == nil {
		t.Error("expected error when no daemon is listening")
	}
}
