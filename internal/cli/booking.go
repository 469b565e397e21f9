package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/shopfront/autopilot/internal/booking"
	"github.com/spf13/cobra"
)

type admissionChecker interface {
	CheckBookingAdmission(ctx context.Context, req booking.Request) (booking.Decision, error)
}

// BookingCmd returns the booking command
func BookingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "booking",
		Short: "Inspect booking capacity",
	}

	var (
		start    string
		duration int
		capacity int
		holdID   string
	)

	check := &cobra.Command{
		Use:   "check",
		Short: "Check whether a slot would be admitted",
		Long: `Run the same admission check the booking API uses, without writing anything.

Examples:
  autopilotctl booking check --start 2026-03-03T09:00:00-06:00 --duration 90
  autopilotctl booking check --start 2026-03-03T15:00:00Z --duration 60 --exclude-hold <hold-id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			startAt, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("invalid --start (RFC3339): %w", err)
			}

			resolver, err := bookingResolver()
			if err != nil {
				return err
			}

			return checkAdmission(cmd.Context(), cmd.OutOrStdout(), resolver, booking.Request{
				Start:           startAt,
				DurationMinutes: duration,
				Capacity:        capacity,
				ExcludeHoldID:   holdID,
			})
		},
	}
	check.Flags().StringVar(&start, "start", "", "proposed start (RFC3339)")
	check.Flags().IntVar(&duration, "duration", 60, "duration in minutes")
	check.Flags().IntVar(&capacity, "capacity", 0, "override the configured capacity")
	check.Flags().StringVar(&holdID, "exclude-hold", "", "hold that must not count against the slot")
	_ = check.MarkFlagRequired("start")
	cmd.AddCommand(check)

	return cmd
}

func checkAdmission(ctx context.Context, out io.Writer, checker admissionChecker, req booking.Request) error {
	decision, err := checker.CheckBookingAdmission(ctx, req)
	if err != nil {
		return err
	}

	label := color.New(color.FgGreen).Sprint("ADMITTED")
	if !decision.Admitted {
		label = color.New(color.FgRed).Sprint("REJECTED")
	}

	fmt.Fprintf(out, "%s %s (%d overlapping, capacity %d)\n",
		label,
		decision.Code,
		decision.Overlapping,
		decision.Capacity,
	)

	return nil
}
