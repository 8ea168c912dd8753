package main

import (
	"fmt"

	"stagehand/pkg/queuestore"
	"stagehand/pkg/session"

	"github.com/spf13/cobra"
)

// newProjectCmd creates the "stagehand project" subcommand group.
func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(newProjectCreateCmd())
	cmd.AddCommand(newProjectListCmd())
	cmd.AddCommand(newProjectDeleteCmd())
	return cmd
}

func newProjectCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <project-id>",
		Short: "Create a project with an empty job queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			store := queuestore.NewStore(paths.Home)
			if err := store.CreateProject(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created project %s\n", args[0])
			return nil
		},
	}
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects and their queue depth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			store := queuestore.NewStore(paths.Home)
			projects, err := store.ListProjects()
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no projects")
				return nil
			}
			for _, projectID := range projects {
				q, err := store.Load(projectID)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t(unreadable: %v)\n", projectID, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d jobs\n", projectID, len(q.Jobs))
			}
			return nil
		},
	}
}

func newProjectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project, tombstone it, and kill its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			projectID := args[0]

			store := queuestore.NewStore(paths.Home)
			if err := store.DeleteProject(projectID); err != nil {
				return err
			}

			// Kill the project's worker sessions directly; if the daemon
			// is running its reaper would catch them anyway, but doing it
			// here makes deletion immediate.
			registry := session.NewRegistry(session.NewTmuxTransport(""))
			killed, err := registry.TerminateProject(projectID)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: session cleanup incomplete: %v\n", err)
			}
			for _, name := range killed {
				fmt.Fprintf(cmd.OutOrStdout(), "killed session %s\n", name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted project %s\n", projectID)
			return nil
		},
	}
}
