package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"coremachine/internal/app"
	"coremachine/internal/clix"
	"coremachine/internal/orchestrator"
	"coremachine/internal/queue"
	"coremachine/internal/store"
)

var (
	submitWait    bool
	submitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <job_type>",
	Short: "Submit a job",
	Long: `Submits a job with parameters from --params (JSON or @file) and --param key=value.
Identical parameters address the same job: resubmitting a FAILED job retries it,
any other existing job is a conflict.`,
	Example: `  coremachine submit ingest_asset --param asset_id=a1 --param 'sources=["incoming/a.tif"]'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		params, err := clix.ParseParams(cmd.Flags())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		res, err := appInstance.Machine.Submit(ctx, args[0], params)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		if res.Status == orchestrator.SubmitDuplicate {
			return fmt.Errorf("job %s already exists with status %s: %w", res.JobID, res.Job.Status, store.ErrDuplicate)
		}
		if err := settle(ctx, appInstance, res.JobID, submitWait); err != nil {
			return err
		}

		if jsonOutput {
			report, err := appInstance.Machine.Status(ctx, res.JobID)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"submit": res, "status": report})
		}
		printf("Job %s: %s\n", res.JobID, res.Status)
		job, err := appInstance.Store.GetJob(ctx, res.JobID)
		if err != nil {
			return err
		}
		printf("Status: %s (stage %d/%d, attempt %d)\n", colorStatus(string(job.Status)), job.CurrentStage, job.TotalStages, job.Attempt)
		if job.Error != nil {
			printf("Error: %s\n", *job.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("params", "", "Job parameters as a JSON object, or @file")
	submitCmd.Flags().StringArray("param", nil, "Job parameter key=value (repeatable)")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait until the job finishes")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "Maximum time to wait with --wait")
}

// settle runs the job to completion in-process for the memory queue, or
// polls for a terminal state when wait is set.
func settle(ctx context.Context, a *app.App, jobID string, wait bool) error {
	if mq, ok := a.Queue.(*queue.MemoryQueue); ok {
		if _, err := mq.Drain(ctx, a.Machine, 100000); err != nil {
			return fmt.Errorf("run job in process: %w", err)
		}
		return nil
	}
	if !wait {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := a.Store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("job %s still %s after %s", jobID, job.Status, submitTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
