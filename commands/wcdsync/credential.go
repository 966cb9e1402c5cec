package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the API token used for your new sync jobs",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <api_token>",
	Short: "Use api_token for jobs you enqueue from now on",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialSet,
}

var credentialClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Go back to the account's primary token",
	Args:  cobra.NoArgs,
	RunE:  runCredentialClear,
}

func init() {
	rootCmd.AddCommand(credentialCmd)
	credentialCmd.AddCommand(credentialSetCmd)
	credentialCmd.AddCommand(credentialClearCmd)
}

func runCredentialSet(cmd *cobra.Command, args []string) error {
	token := strings.TrimSpace(args[0])
	if token == "" {
		return fmt.Errorf("api_token is required")
	}
	c, logger, err := newClient()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if err := c.SetCredential(cmd.Context(), token); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Active credential updated. Queued jobs keep the credential they were created with.")
	return nil
}

func runCredentialClear(cmd *cobra.Command, args []string) error {
	c, logger, err := newClient()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if err := c.ClearCredential(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Active credential removed.")
	return nil
}
