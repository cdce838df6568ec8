package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"coremachine/internal/clix"
	"coremachine/internal/models"
	"coremachine/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs and their tasks",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		page, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		jobType, _ := cmd.Flags().GetString("type")
		filter := store.JobFilter{
			Status:  models.JobStatus(status),
			JobType: jobType,
			Limit:   page.Limit,
			Offset:  page.Offset,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return fmt.Errorf("unknown job status %q", status)
		}

		list, err := appInstance.Store.ListJobs(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		table := newTable(os.Stdout, "Job ID", "Type", "Status", "Stage", "Attempt", "Updated At")
		for _, job := range list {
			table.Append([]string{
				shortID(job.JobID),
				job.JobType,
				colorStatus(string(job.Status)),
				fmt.Sprintf("%d/%d", job.CurrentStage, job.TotalStages),
				strconv.Itoa(job.Attempt),
				job.UpdatedAt.Format(time.RFC3339),
			})
		}
		table.Render()
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show a job with its stage results and tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		report, err := appInstance.Machine.Status(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		tasks, err := appInstance.Store.ListTasks(ctx, args[0], 0)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		if jsonOutput {
			return printJSON(map[string]any{"status": report, "tasks": tasks})
		}

		job := report.Job
		printf("Job:        %s\n", job.JobID)
		printf("Type:       %s\n", job.JobType)
		printf("Status:     %s\n", colorStatus(string(job.Status)))
		printf("Stage:      %d/%d\n", job.CurrentStage, job.TotalStages)
		printf("Attempt:    %d\n", job.Attempt)
		printf("Parameters: %s\n", job.Parameters)
		if job.Error != nil {
			printf("Error:      %s\n", *job.Error)
		}
		if len(job.Result) > 0 {
			printf("Result:     %s\n", job.Result)
		}
		for _, sr := range report.StageResults {
			printf("Stage %d result: %s\n", sr.Stage, sr.Result)
		}

		if len(tasks) > 0 {
			table := newTable(os.Stdout, "Task ID", "Type", "Status", "Retries", "Error")
			for _, t := range tasks {
				table.Append([]string{
					strings.TrimPrefix(t.TaskID, t.ParentJobID+"-"),
					t.TaskType,
					colorStatus(string(t.Status)),
					strconv.Itoa(t.RetryCount),
					stringOr(t.Error, ""),
				})
			}
			table.Render()
		}
		if len(report.Releases) > 0 {
			printReleases(report.Releases)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)

	jobsListCmd.Flags().IntP("limit", "n", 20, "Maximum number of jobs to list")
	jobsListCmd.Flags().IntP("offset", "o", 0, "Number of jobs to skip")
	jobsListCmd.Flags().String("status", "", "Only jobs in this status (QUEUED, PROCESSING, COMPLETED, FAILED)")
	jobsListCmd.Flags().String("type", "", "Only jobs of this type")
}
