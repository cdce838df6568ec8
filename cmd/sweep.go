package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweep pass",
	Long: `Fails PROCESSING tasks whose heartbeat expired and re-sends the job message of
jobs that stopped making progress. Holds the sweep lock file while running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		lock, err := tryLockSweep(appInstance.Config.Sweep.LockFile)
		if err != nil {
			return err
		}
		if lock == nil {
			return fmt.Errorf("another process holds %s", appInstance.Config.Sweep.LockFile)
		}
		defer lock.Unlock()

		report, err := appInstance.Machine.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		if jsonOutput {
			return printJSON(report)
		}
		printf("Expired tasks: %d, re-sent jobs: %d, errors: %d\n", report.StaleTasks, report.RekickedJobs, report.Errors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
