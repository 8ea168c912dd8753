package main

import (
	"fmt"
	"strings"
	"time"

	"stagehand/pkg/protocol"
	"stagehand/pkg/queuestore"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newEnqueueCmd creates the "stagehand enqueue" subcommand. It appends
// directly to the project's queue document; a running dispatcher picks
// the job up on its next tick.
func newEnqueueCmd() *cobra.Command {
	var (
		runID    string
		artifact string
		params   []string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <project-id> <kind>",
		Short: "Enqueue a job for a project",
		Long: fmt.Sprintf(`Appends a job to the project's queue. Valid kinds:

  %s`, joinKinds()),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, kind := args[0], protocol.JobKind(args[1])
			if !kind.Valid() {
				return fmt.Errorf("unknown job kind %q (valid: %s)", args[1], joinKinds())
			}

			paramMap, err := parseParams(params)
			if err != nil {
				return err
			}

			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			store := queuestore.NewStore(paths.Home)

			job := protocol.Job{
				ID:               uuid.NewString(),
				ProjectID:        projectID,
				RunID:            runID,
				Kind:             kind,
				Status:           protocol.StatusQueued,
				CreatedAt:        time.Now().UTC(),
				ExpectedArtifact: artifact,
				Params:           paramMap,
			}
			if err := store.Append(projectID, job); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "external run identifier to stamp on the job")
	cmd.Flags().StringVar(&artifact, "artifact", "", "expected artifact path relative to the project dir (default per kind)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "job parameter as key=value (repeatable)")
	return cmd
}

func joinKinds() string {
	parts := make([]string, len(protocol.Kinds))
	for i, k := range protocol.Kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
