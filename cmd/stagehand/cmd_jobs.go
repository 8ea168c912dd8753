package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"stagehand/pkg/queuestore"

	"github.com/spf13/cobra"
)

// newJobsCmd creates the "stagehand jobs" subcommand.
func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <project-id>",
		Short: "List a project's jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			store := queuestore.NewStore(paths.Home)
			q, err := store.Load(args[0])
			if err != nil {
				return err
			}
			if len(q.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPROGRESS\tAGE\tDETAIL")
			now := time.Now()
			for i := range q.Jobs {
				j := &q.Jobs[i]
				detail := string(j.FailReason)
				age := now.Sub(j.CreatedAt).Round(time.Second)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
					j.ID, j.Kind, j.Status, j.Progress, age, detail)
			}
			return tw.Flush()
		},
	}
}
