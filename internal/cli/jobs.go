package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/spf13/cobra"
)

type enqueuer interface {
	Enqueue(ctx context.Context, payload job.Payload, eligibleAt time.Time) (*job.Record, error)
}

// EnqueueCmd returns the enqueue command
func EnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a job by hand",
	}

	var delay time.Duration

	cmd.PersistentFlags().DurationVar(&delay, "in", 0, "delay before the job becomes due")

	cmd.AddCommand(&cobra.Command{
		Use:   "send [message-id]",
		Short: "Deliver a queued outbound message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueWith(cmd, job.SendPayload{MessageID: args[0]}, delay)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "draft [inbound-message-id]",
		Short: "Ask the autopilot to draft a reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueWith(cmd, job.DraftPayload{InboundMessageID: args[0]}, delay)
		},
	})

	var inboundID string

	autosend := &cobra.Command{
		Use:   "autosend [draft-message-id]",
		Short: "Re-check a held draft for release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueWith(cmd, job.AutosendPayload{DraftMessageID: args[0], InboundMessageID: inboundID}, delay)
		},
	}
	autosend.Flags().StringVar(&inboundID, "inbound", "", "inbound message the draft answers")
	cmd.AddCommand(autosend)

	return cmd
}

func enqueueWith(cmd *cobra.Command, payload job.Payload, delay time.Duration) error {
	jobs, err := jobRepository()
	if err != nil {
		return err
	}

	return enqueue(cmd.Context(), cmd.OutOrStdout(), jobs, payload, time.Now().Add(delay))
}

func enqueue(ctx context.Context, out io.Writer, jobs enqueuer, payload job.Payload, eligibleAt time.Time) error {
	record, err := jobs.Enqueue(ctx, payload, eligibleAt)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s %s %s due %s\n",
		color.New(color.FgGreen).Sprint("ENQUEUED"),
		record.Kind,
		record.ID,
		record.NextAttemptAt.Format(time.RFC3339),
	)

	return nil
}

// PendingCmd returns the pending command
func PendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show unprocessed jobs per kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := jobRepository()
			if err != nil {
				return err
			}

			counts, err := jobs.CountPending(cmd.Context())
			if err != nil {
				return err
			}

			writePending(cmd.OutOrStdout(), counts)

			return nil
		},
	}
}

func writePending(out io.Writer, counts map[job.Kind]int64) {
	kinds := job.Kinds()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tPENDING")

	for _, kind := range kinds {
		fmt.Fprintf(w, "%s\t%d\n", kind, counts[kind])
	}

	_ = w.Flush()
}
