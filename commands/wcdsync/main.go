// The wcdsync command starts URL syncs on a sync server and watches them.
//
// The server URL and basic auth credentials are read from the --url, --user
// and --password flags, or the WCDSYNC_URL, WCDSYNC_USER and
// WCDSYNC_PASSWORD environment variables.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/WebChangeDetector/webchangedetector-sub002/client"
	"github.com/WebChangeDetector/webchangedetector-sub002/config"
	"github.com/WebChangeDetector/webchangedetector-sub002/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:          "wcdsync",
	Short:        "Start and watch WebChangeDetector URL syncs",
	Version:      config.Version,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("url", "http://localhost:9090", "Base URL of the sync server")
	flags.String("user", "", "Basic auth user")
	flags.String("password", "", "Basic auth password")
	flags.String("log-level", "warn", "Log level: debug, info, warn or error")

	settings.SetEnvPrefix("WCDSYNC")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for _, name := range []string{"url", "user", "password", "log-level"} {
		_ = settings.BindPFlag(name, flags.Lookup(name))
	}
}

// newClient returns a client for the configured server.
func newClient() (*client.Client, *zap.Logger, error) {
	logger, err := logging.New(settings.GetString("log-level"), "console")
	if err != nil {
		return nil, nil, err
	}
	c := client.New(settings.GetString("url"), settings.GetString("user"), settings.GetString("password"), logger)
	return c, logger, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
