package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// stopWaitTimeout is how long "stagehand stop" waits for the daemon to
// exit after SIGTERM before giving up.
const stopWaitTimeout = 10 * time.Second

// stopWaitInterval is how often to poll process liveness while waiting.
const stopWaitInterval = 200 * time.Millisecond

// newStopCmd creates the "stagehand stop" subcommand.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running stagehand daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			pf := pidFile{path: paths.PIDPath}
			status, pid, err := pf.Status()
			if err != nil {
				return err
			}
			switch status {
			case daemonStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "stagehand is not running")
				return nil
			case daemonStale:
				fmt.Fprintln(cmd.OutOrStdout(), "removing stale PID file (process already dead)")
				return pf.Remove()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sending SIGTERM to stagehand (PID %d)\n", pid)
			if err := defaultSignalTERM(pid); err != nil {
				return fmt.Errorf("signal PID %d: %w", pid, err)
			}

			deadline := time.Now().Add(stopWaitTimeout)
			for time.Now().Before(deadline) {
				if !IsProcessAlive(pid) {
					fmt.Fprintln(cmd.OutOrStdout(), "stopped")
					return nil
				}
				time.Sleep(stopWaitInterval)
			}
			return fmt.Errorf("stagehand (PID %d) did not exit within %s", pid, stopWaitTimeout)
		},
	}
}
