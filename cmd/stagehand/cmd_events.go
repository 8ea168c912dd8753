package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"stagehand/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newEventsCmd creates the "stagehand events" subcommand.
func newEventsCmd() *cobra.Command {
	var (
		projectID string
		jobID     string
		eventType string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the dispatcher event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			reader, err := eventlog.NewReader(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			opts := eventlog.QueryOpts{
				ProjectID: projectID,
				JobID:     jobID,
				EventType: eventType,
				Limit:     limit,
			}
			if since > 0 {
				after := time.Now().UTC().Add(-since)
				opts.After = &after
			}

			events, err := reader.QueryEvents(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no events")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tSOURCE\tPROJECT\tJOB\tPAYLOAD")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format("15:04:05"), e.Type, e.Source, e.ProjectID, e.JobID, e.Payload)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	cmd.Flags().StringVar(&jobID, "job", "", "filter by job id")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this duration (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to print (0 = all)")
	return cmd
}
