package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/shopfront/autopilot/internal/deadletter"
	"github.com/spf13/cobra"
)

const errorPreviewLen = 60

// DeadLetterCmd returns the deadletter command
func DeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Review and replay jobs that failed terminally",
	}

	var limit int

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, err := deadLetterService()
			if err != nil {
				return err
			}

			letters, err := service.Pending(cmd.Context(), limit)
			if err != nil {
				return err
			}

			writeDeadLetters(cmd.OutOrStdout(), letters)

			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "replay [job-id...]",
		Short: "Flag dead letters for the replay worker",
		Long: `Flag one or more pending dead letters for replay. The service's replay
worker enqueues a fresh job with the original payload on its next tick.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := deadLetterService()
			if err != nil {
				return err
			}

			var failed int

			for _, jobID := range args {
				err := service.RequestReplay(cmd.Context(), jobID)
				if err != nil {
					failed++

					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n", color.New(color.FgRed).Sprint("SKIPPED "), jobID, err)

					continue
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgGreen).Sprint("FLAGGED "), jobID)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d dead letters not flagged", failed, len(args))
			}

			return nil
		},
	})

	return cmd
}

func writeDeadLetters(out io.Writer, letters []deadletter.JobDeadLetter) {
	if len(letters) == 0 {
		fmt.Fprintln(out, color.New(color.FgGreen).Sprint("No dead letters pending"))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tKIND\tATTEMPTS\tCREATED\tERROR")

	for _, letter := range letters {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			letter.JobID,
			letter.Kind,
			letter.Attempts,
			letter.CreatedAt.Format(time.RFC3339),
			preview(letter.Error),
		)
	}

	_ = w.Flush()
}

func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= errorPreviewLen {
		return s
	}

	return string(runes[:errorPreviewLen-3]) + "..."
}
