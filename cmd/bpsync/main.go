package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/bpsync/pkg/api"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// Exit codes
const (
	exitOK          = 0
	exitError       = 1
	exitTasksFailed = 2
	exitRewrite     = 3
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bpsync",
		Short: "bpsync: mirror buildpack dependencies into an OCI registry or S3 bucket",
		Long: "bpsync downloads every dependency listed in a buildpack.toml, publishes it to a registry " +
			"or bucket, and tracks progress in a ledger so interrupted runs resume where they stopped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/bpsync/config.yaml)")
	cmd.PersistentFlags().String("proxy", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		if proxy, _ := c.Flags().GetString("proxy"); proxy != "" {
			setProxy(proxy)
		}
	}

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newCompletionCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bpsync %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// setProxy routes outgoing HTTP through proxy.
func setProxy(proxy string) {
	_ = os.Setenv("HTTP_PROXY", proxy)
	_ = os.Setenv("HTTPS_PROXY", proxy)
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// exitCode maps a command error onto the process status.
func exitCode(err error) int {
	var re *api.RewriteError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, api.ErrTasksFailed):
		return exitTasksFailed
	case errors.As(err, &re):
		return exitRewrite
	default:
		return exitError
	}
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root.SetContext(ctx)
	err := root.Execute()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}
