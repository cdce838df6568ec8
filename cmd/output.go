package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"coremachine/internal/models"
)

var jsonOutput bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetBorder(true)
	table.SetAutoWrapText(false)
	return table
}

// colorStatus renders job, task and approval states.
func colorStatus(status string) string {
	switch status {
	case string(models.JobStatusCompleted), string(models.ApprovalApproved):
		return color.GreenString(status)
	case string(models.JobStatusFailed), string(models.ApprovalRejected), string(models.ApprovalRevoked):
		return color.RedString(status)
	case string(models.JobStatusProcessing), string(models.ApprovalPendingReview):
		return color.YellowString(status)
	default:
		return status
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.Format(time.RFC3339)
}

func stringOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
