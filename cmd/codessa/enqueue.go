package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/codessa/internal/config"
	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

func newEnqueueCmd() *cobra.Command {
	var (
		typ, target, title, body, bodyFile string
	)

	cmd := &cobra.Command{
		Use:          "enqueue",
		Short:        "Queue an execution action for the next execute pass",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.LogLevel)

			actionType := workspace.ActionType(typ)
			switch actionType {
			case workspace.ActionIssue, workspace.ActionPullRequest, workspace.ActionDiscussion:
			default:
				return fmt.Errorf("--type must be issue, pull_request or discussion, got %q", typ)
			}
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("read body file: %w", err)
				}
				body = string(data)
			}

			ctx := cmd.Context()
			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			a, err := db.InsertAction(ctx, workspace.Action{
				Type:   actionType,
				Target: target,
				Title:  title,
				Body:   body,
				Status: workspace.ActionQueued,
			})
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", a.ID, a.IdempotencyKey())
			return nil
		},
	}

	cmd.Flags().StringVar(&typ, "type", "issue", "action type: issue, pull_request or discussion")
	cmd.Flags().StringVar(&target, "target", "", "owner/repo, or repo for the default owner")
	cmd.Flags().StringVar(&title, "title", "", "issue or pull request title")
	cmd.Flags().StringVar(&body, "body", "", "body text")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read the body from a file")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("title")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
	return cmd
}
