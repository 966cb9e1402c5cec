package main

import (
	"fmt"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the server version and job counts",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	c, logger, err := newClient()
	if err != nil {
		return err
	}
	defer logger.Sync()
	h, err := c.Health(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "version: %s\n", h.Data.Version)
	for _, status := range []models.JobStatus{models.StatusQueued, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		fmt.Fprintf(out, "%-11s %d\n", status+":", h.Data.Jobs[status])
	}
	return nil
}
