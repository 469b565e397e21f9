package main

import (
	"fmt"
	"os"

	"github.com/shopfront/autopilot/internal/cli"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autopilotctl",
		Short: "Operator tool for the reply autopilot",
		Long: `autopilotctl enqueues jobs, reviews and replays dead letters, and checks
booking capacity against the same database the service uses.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cli.EnqueueCmd())
	rootCmd.AddCommand(cli.PendingCmd())
	rootCmd.AddCommand(cli.DeadLetterCmd())
	rootCmd.AddCommand(cli.BookingCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
