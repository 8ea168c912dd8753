package main

import (
	"fmt"
	"time"

	"stagehand/pkg/protocol"
	"stagehand/pkg/queuestore"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the "stagehand cancel" subcommand. It marks the
// job cancelled in the queue document directly; if the job was in
// flight in an isolated session, the running dispatcher's reaper kills
// that session on its next sweep.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			store := queuestore.NewStore(paths.Home)

			job, err := store.FindJob(jobID)
			if err != nil {
				return err
			}
			if job.Status.Terminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s already %s\n", jobID, job.Status)
				return nil
			}

			err = store.UpdateJob(job.ProjectID, jobID, func(j *protocol.Job) error {
				if j.Status.Terminal() {
					return nil
				}
				j.Status = protocol.StatusCancelled
				now := time.Now().UTC()
				j.CompletedAt = &now
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", jobID)
			return nil
		},
	}
}
