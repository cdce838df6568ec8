package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"coremachine/internal/app"
	"coremachine/internal/approval"
	"coremachine/internal/clix"
	"coremachine/internal/models"
)

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Approve, reject, revoke and unpublish releases",
}

var releaseApproveCmd = &cobra.Command{
	Use:   "approve <release_id>",
	Short: "Approve a pending release and queue its catalog materialization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("actor")
		res, err := appInstance.Approval.Approve(cmd.Context(), args[0], actor)
		if err != nil {
			return err
		}
		if err := followJob(cmd.Context(), appInstance, &res); err != nil {
			return err
		}
		return printOutcome("approve", res)
	},
}

var releaseRejectCmd = &cobra.Command{
	Use:   "reject <release_id>",
	Short: "Reject a pending release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")
		res, err := appInstance.Approval.Reject(cmd.Context(), args[0], actor, reason)
		if err != nil {
			return err
		}
		return printOutcome("reject", res)
	},
}

var releaseRevokeCmd = &cobra.Command{
	Use:   "revoke <release_id>",
	Short: "Revoke an approved release; the previous approved version becomes latest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")
		res, err := appInstance.Approval.Revoke(cmd.Context(), args[0], actor, reason)
		if err != nil {
			return err
		}
		if err := followJob(cmd.Context(), appInstance, &res); err != nil {
			return err
		}
		return printOutcome("revoke", res)
	},
}

var releaseUnpublishCmd = &cobra.Command{
	Use:   "unpublish <release_id>",
	Short: "Remove a published release's artifacts and catalog entries",
	Long: `Submits the unpublish job for a release. The job only reports what it would
delete unless --dry-run=false is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")
		ctx := cmd.Context()
		res, err := appInstance.Approval.Unpublish(ctx, approval.UnpublishRequest{
			ReleaseID: args[0],
			DryRun:    clix.ParseOptionalBool(cmd.Flags(), "dry-run"),
			Actor:     actor,
			Reason:    reason,
		})
		if err != nil {
			return err
		}
		if res.Job != nil {
			if err := settle(ctx, appInstance, res.Job.JobID, submitWait); err != nil {
				return err
			}
		}
		if jsonOutput {
			return printJSON(res)
		}
		if res.Job == nil {
			return fmt.Errorf("unpublish %s: %s", res.Outcome, res.Message)
		}
		printf("Unpublish %s: job %s (%s)\n", res.Outcome, res.Job.JobID, res.Job.Status)
		return nil
	},
}

var releaseHistoryCmd = &cobra.Command{
	Use:   "history <asset_id>",
	Short: "Show the version history of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		history, err := appInstance.Approval.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(history)
		}
		if len(history) == 0 {
			fmt.Println("No releases found.")
			return nil
		}
		printReleases(history)
		return nil
	},
}

// followJob settles the lifecycle job of res and reloads the release so the
// printed state includes what the job did.
func followJob(ctx context.Context, a *app.App, res *approval.Result) error {
	if res.Job == nil || res.Release == nil {
		return nil
	}
	if err := settle(ctx, a, res.Job.JobID, submitWait); err != nil {
		return err
	}
	rel, err := a.Store.GetRelease(ctx, res.Release.ReleaseID)
	if err != nil {
		return err
	}
	res.Release = rel
	return nil
}

func printOutcome(action string, res approval.Result) error {
	if jsonOutput {
		return printJSON(res)
	}
	switch res.Outcome {
	case approval.Applied:
		printf("%s: %s\n", action, color.GreenString(string(res.Outcome)))
	case approval.Unchanged:
		printf("%s: %s\n", action, color.YellowString(string(res.Outcome)))
	default:
		return fmt.Errorf("%s %s: %s", action, res.Outcome, res.Message)
	}
	if res.Job != nil {
		printf("Job %s: %s\n", res.Job.JobID, res.Job.Status)
	}
	if res.Release != nil {
		printReleases([]*models.Release{res.Release})
	}
	return nil
}

func printReleases(releases []*models.Release) {
	table := newTable(os.Stdout, "Release ID", "Asset", "Version", "State", "Latest", "Served", "Approved At")
	for _, r := range releases {
		version := "-"
		if r.VersionOrdinal != nil {
			version = "v" + strconv.Itoa(*r.VersionOrdinal)
		}
		table.Append([]string{
			r.ReleaseID,
			r.AssetID,
			version,
			colorStatus(string(r.ApprovalState)),
			strconv.FormatBool(r.IsLatest),
			strconv.FormatBool(r.IsServed),
			formatTime(r.ApprovedAt),
		})
	}
	table.Render()
}

func init() {
	rootCmd.AddCommand(releaseCmd)
	releaseCmd.AddCommand(releaseApproveCmd, releaseRejectCmd, releaseRevokeCmd, releaseUnpublishCmd, releaseHistoryCmd)

	for _, c := range []*cobra.Command{releaseApproveCmd, releaseRejectCmd, releaseRevokeCmd, releaseUnpublishCmd} {
		c.Flags().String("actor", os.Getenv("USER"), "Who performs the action")
	}
	for _, c := range []*cobra.Command{releaseRejectCmd, releaseRevokeCmd, releaseUnpublishCmd} {
		c.Flags().String("reason", "", "Why the action is taken")
	}
	releaseUnpublishCmd.Flags().Bool("dry-run", true, "Only report what would be deleted")
	releaseUnpublishCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait until the unpublish job finishes")
	for _, c := range []*cobra.Command{releaseApproveCmd, releaseRevokeCmd} {
		c.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait until the follow-up job finishes")
	}
}
