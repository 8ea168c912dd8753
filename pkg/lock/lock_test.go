package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stagehand/pkg/protocol"
)

func testLock(t *testing.T, owner string) *Lock {
	t.Helper()
	l := New(filepath.Join(t.TempDir(), "dispatcher.lock"), owner)
	l.pidAlive = func(int) bool { return true }
	return l
}

func TestAcquireAndRelease(t *testing.T) {
	l := testLock(t, "disp-1")
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	rec, err := l.Holder()
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if rec.Owner != "disp-1" || rec.PID != os.Getpid() {
		t.Errorf("record = %+v", rec)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := l.Holder(); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock file survived Release")
	}
}

func TestAcquireRejectsLiveHolder(t *testing.T) {
	l1 := testLock(t, "disp-1")
	if err := l1.Acquire(); err != nil {
		t.Fatal(err)
	}

	l2 := New(l1.Path, "disp-2")
	l2.pidAlive = func(int) bool { return true }
	err := l2.Acquire()

	var held *protocol.LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %v, want LockHeldError", err)
	}
	if held.Owner != "disp-1" {
		t.Errorf("held.Owner = %q", held.Owner)
	}
}

func TestAcquireRejectsStaleHeartbeatWithLivePid(t *testing.T) {
	// A holder that stopped heartbeating but whose process still runs
	// might be wedged mid-dispatch; reclaiming under it risks dual
	// dispatch.
	l1 := testLock(t, "disp-1")
	past := time.Now().Add(-time.Hour)
	l1.nowFunc = func() time.Time { return past }
	if err := l1.Acquire(); err != nil {
		t.Fatal(err)
	}

	l2 := New(l1.Path, "disp-2")
	l2.pidAlive = func(int) bool { return true }

	var held *protocol.LockHeldError
	if err := l2.Acquire(); !errors.As(err, &held) {
		t.Fatalf("err = %v, want LockHeldError while pid is alive", err)
	}
}

func TestAcquireReclaimsStaleDeadHolder(t *testing.T) {
	l1 := testLock(t, "disp-1")
	past := time.Now().Add(-time.Hour)
	l1.nowFunc = func() time.Time { return past }
	if err := l1.Acquire(); err != nil {
		t.Fatal(err)
	}

	l2 := New(l1.Path, "disp-2")
	l2.pidAlive = func(int) bool { return false }
	if err := l2.Acquire(); err != nil {
		t.Fatalf("Acquire should reclaim stale dead lock: %v", err)
	}

	rec, err := l2.Holder()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Owner != "disp-2" {
		t.Errorf("owner after reclaim = %q", rec.Owner)
	}
}

func TestAcquireReclaimsCorruptLockFile(t *testing.T) {
	l := testLock(t, "disp-1")
	if err := os.WriteFile(l.Path, []byte("not json{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire over corrupt lock: %v", err)
	}
}

func TestRefreshAdvancesHeartbeat(t *testing.T) {
	l := testLock(t, "disp-1")
	early := time.Now().Add(-time.Minute)
	l.nowFunc = func() time.Time { return early }
	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}

	later := time.Now()
	l.nowFunc = func() time.Time { return later }
	if err := l.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	rec, err := l.Holder()
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Heartbeat.After(early) {
		t.Errorf("heartbeat not advanced: %v", rec.Heartbeat)
	}
}

func TestRefreshFailsAfterReclaim(t *testing.T) {
	l1 := testLock(t, "disp-1")
	past := time.Now().Add(-time.Hour)
	l1.nowFunc = func() time.Time { return past }
	if err := l1.Acquire(); err != nil {
		t.Fatal(err)
	}

	l2 := New(l1.Path, "disp-2")
	l2.pidAlive = func(int) bool { return false }
	l2.nowFunc = time.Now
	if err := l2.Acquire(); err != nil {
		t.Fatal(err)
	}

	var held *protocol.LockHeldError
	if err := l1.Refresh(); !errors.As(err, &held) {
		t.Fatalf("Refresh after reclaim = %v, want LockHeldError", err)
	}
}

func TestReleaseDoesNotRemoveForeignLock(t *testing.T) {
	l1 := testLock(t, "disp-1")
	if err := l1.Acquire(); err != nil {
		t.Fatal(err)
	}

	l2 := New(l1.Path, "disp-2")
	if err := l2.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := l1.Holder(); err != nil {
		t.Error("foreign Release removed the lock file")
	}
}
