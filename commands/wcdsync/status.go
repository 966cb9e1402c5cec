package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/client"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/poller"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the status of a sync job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch <job_id>",
	Short: "Poll a sync job until it finishes",
	Long: `Poll a sync job until it completes or fails. Interrupting the command does
not stop the job, it keeps running on the server.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	watchCmd.Flags().Duration("interval", 0, "Time between status requests")
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	c, logger, err := newClient()
	if err != nil {
		return err
	}
	defer logger.Sync()
	report, err := c.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(out, report)
	return nil
}

func printReport(w io.Writer, r *models.Report) {
	fmt.Fprintf(w, "job_id:   %s\n", r.JobID)
	fmt.Fprintf(w, "domain:   %s\n", r.Domain)
	fmt.Fprintf(w, "status:   %s\n", r.Status)
	fmt.Fprintf(w, "progress: %d%%\n", r.Progress)
	fmt.Fprintf(w, "message:  %s\n", r.StatusMessage)
	if r.TotalURLs != nil {
		fmt.Fprintf(w, "urls:     %d/%d\n", r.ProcessedURLs, *r.TotalURLs)
	}
	fmt.Fprintf(w, "updated:  %s\n", r.UpdatedAt.Local().Format(time.RFC3339))
}

func runWatch(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	c, logger, err := newClient()
	if err != nil {
		return err
	}
	defer logger.Sync()
	return watch(cmd, c, logger, args[0], interval)
}

// formatUpdate renders one poller update as a single line.
func formatUpdate(u poller.Update) string {
	if u.Report == nil {
		if u.Err != nil {
			return fmt.Sprintf("[  ?%%] %s (request failed %d times: %v)", u.Description, u.Failures, u.Err)
		}
		return fmt.Sprintf("[  ?%%] %s", u.Description)
	}
	line := fmt.Sprintf("[%3d%%] %-10s %s", u.Report.Progress, u.Report.Status, u.Description)
	if u.Report.TotalURLs != nil {
		line += fmt.Sprintf(" (%d/%d URLs)", u.Report.ProcessedURLs, *u.Report.TotalURLs)
	}
	if u.Err != nil {
		line += fmt.Sprintf(" (request failed %d times: %v)", u.Failures, u.Err)
	}
	return line
}

// watch polls jobID, printing every change, and returns an error unless the
// job completes.
func watch(cmd *cobra.Command, c *client.Client, logger *zap.Logger, jobID string, interval time.Duration) error {
	p := poller.New(c, logger)
	if interval > 0 {
		p.Interval = interval
	}
	out := cmd.OutOrStdout()
	var last string
	u, err := p.Wait(cmd.Context(), jobID, func(u poller.Update) {
		line := formatUpdate(u)
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
	})
	if err != nil {
		return err
	}
	switch u.State {
	case poller.Succeeded:
		return nil
	case poller.Failed:
		return fmt.Errorf("sync failed: %s", u.Report.ErrorMessage)
	case poller.GaveUp:
		if client.IsNotFound(u.Err) {
			return fmt.Errorf("job %s not found", jobID)
		}
		return fmt.Errorf("could not get the job status, the job may still be running: %w", u.Err)
	}
	return errors.New("unexpected poller state: " + string(u.State))
}
