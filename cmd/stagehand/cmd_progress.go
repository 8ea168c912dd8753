package main

import (
	"fmt"
	"time"

	"stagehand/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newProgressCmd creates the "stagehand progress" subcommand.
func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <job-id>",
		Short: "Show a job's advisory progress estimate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			reader, err := eventlog.NewReader(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			sample, ok, err := reader.Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no progress recorded")
				return nil
			}
			elapsed := time.Duration(sample.ElapsedSeconds) * time.Second
			fmt.Fprintf(cmd.OutOrStdout(), "%d%% (elapsed %s, sampled %s)\n",
				sample.Percent, elapsed, sample.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}
