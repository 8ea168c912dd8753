package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"stagehand/pkg/lock"
	"stagehand/pkg/queuestore"
	"stagehand/pkg/session"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "stagehand status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, lock, queue, and session status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), paths)
		},
	}
}

func printStatus(w io.Writer, paths *Paths) error {
	status, pid, err := pidFile{path: paths.PIDPath}.Status()
	if err != nil {
		return err
	}
	switch status {
	case daemonRunning:
		fmt.Fprintf(w, "daemon:   running (PID %d)\n", pid)
	case daemonStale:
		fmt.Fprintf(w, "daemon:   stale PID file (PID %d dead)\n", pid)
	default:
		fmt.Fprintln(w, "daemon:   stopped")
	}

	printLockStatus(w, paths.LockPath)

	store := queuestore.NewStore(paths.Home)
	projects, err := store.ListProjects()
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	var queued, inFlight, terminal int
	for _, projectID := range projects {
		q, err := store.Load(projectID)
		if err != nil {
			fmt.Fprintf(w, "warning: load queue for %s: %v\n", projectID, err)
			continue
		}
		for i := range q.Jobs {
			switch {
			case q.Jobs[i].Status.InFlight():
				inFlight++
			case q.Jobs[i].Status.Terminal():
				terminal++
			default:
				queued++
			}
		}
	}
	fmt.Fprintf(w, "projects: %d\n", len(projects))
	fmt.Fprintf(w, "jobs:     %d queued, %d in flight, %d terminal\n", queued, inFlight, terminal)

	names, err := session.NewTmuxTransport("").List()
	if err != nil {
		fmt.Fprintf(w, "sessions: unavailable (%v)\n", err)
		return nil
	}
	managed := 0
	for _, name := range names {
		if _, _, ok := session.ParseSessionName(name); ok {
			managed++
		}
	}
	fmt.Fprintf(w, "sessions: %d managed (%d tmux total)\n", managed, len(names))
	return nil
}

func printLockStatus(w io.Writer, lockPath string) {
	rec, err := lock.New(lockPath, "").Holder()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(w, "lock:     free")
		} else {
			fmt.Fprintf(w, "lock:     unreadable (%v)\n", err)
		}
		return
	}
	age := time.Since(rec.Heartbeat).Round(time.Second)
	fmt.Fprintf(w, "lock:     held by %s (PID %d, heartbeat %s ago)\n", rec.Owner, rec.PID, age)
}
