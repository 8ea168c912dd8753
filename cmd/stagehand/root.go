package main

import (
	"fmt"

	"stagehand/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root stagehand command with all subcommands
// attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stagehand",
		Short:         "AI generation job orchestrator",
		Long:          "stagehand dispatches AI-generation jobs to persistent worker sessions\nand tracks them to completion.",
		Version:       fmt.Sprintf("stagehand %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newStopCmd(),
		newStatusCmd(),
		newProjectCmd(),
		newEnqueueCmd(),
		newJobsCmd(),
		newCancelCmd(),
		newProgressCmd(),
		newEventsCmd(),
		newWatchCmd(),
		newCleanupCmd(),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "stagehand version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stagehand version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "stagehand %s\n", appversion.String())
			return nil
		},
	}
}
