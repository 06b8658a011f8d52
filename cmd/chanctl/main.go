package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/chanctl/internal/logging"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logging.ConfigureRuntime()

	rootCmd := &cobra.Command{
		Use:   "chanctl",
		Short: "Verify realtime channel events end to end",
		Long: `chanctl connects to a Phoenix channel socket as a test user, joins the
topic a scenario needs and waits for the event another actor triggers.

Each scenario writes .result_<scenario>.json and the process exits non-zero
when any scenario fails.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		listCmd(),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chanctl: %v\n", err)
		os.Exit(1)
	}
}
