package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/shopfront/autopilot/internal/prometheus"
	"go.uber.org/zap"
)

// Resolver admits bookings against the concurrent-capacity limit. Every
// booking code path goes through CheckBookingAdmission.
type Resolver struct {
	Store    Store
	Calendar Calendar
	Capacity int
	Now      func() time.Time
}

func NewResolver(store Store, calendar Calendar, capacity int) *Resolver {
	return &Resolver{
		Store:    store,
		Calendar: calendar,
		Capacity: capacity,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (resolver *Resolver) capacity(req Request, override bool) (int, error) {
	capacity := resolver.Capacity
	if override && req.Capacity > 0 {
		capacity = req.Capacity
	}

	if capacity < 1 {
		return 0, ErrInvalidCapacity
	}

	return capacity, nil
}

// CheckBookingAdmission decides req without writing anything.
func (resolver *Resolver) CheckBookingAdmission(ctx context.Context, req Request) (Decision, error) {
	return resolver.withAdmission(ctx, req, true, resolver.Store.View, func(_ Tx, d Decision) (Decision, error) {
		return d, nil
	})
}

// PlaceHold reserves the slot for ttl if it is admitted.
func (resolver *Resolver) PlaceHold(ctx context.Context, req Request, ttl time.Duration) (*Hold, Decision, error) {
	var hold *Hold

	decision, err := resolver.withAdmission(ctx, req, false, resolver.Store.Serialize, func(tx Tx, d Decision) (Decision, error) {
		if !d.Admitted {
			return d, nil
		}

		hold = &Hold{
			ID:              uuid.NewString(),
			ContactID:       optional(req.ContactID),
			StartAt:         req.Start.UTC(),
			DurationMinutes: req.DurationMinutes,
			Status:          HoldStatusActive,
			ExpiresAt:       resolver.Now().Add(ttl),
		}

		return d, tx.CreateHold(hold)
	})
	if err != nil {
		return nil, Decision{}, err
	}

	return hold, decision, nil
}

// Book creates a scheduled appointment if the slot is admitted. When the
// request names the caller's hold, that hold is converted in the same transaction.
func (resolver *Resolver) Book(ctx context.Context, req Request) (*Appointment, Decision, error) {
	var appointment *Appointment

	decision, err := resolver.withAdmission(ctx, req, false, resolver.Store.Serialize, func(tx Tx, d Decision) (Decision, error) {
		if !d.Admitted {
			return d, nil
		}

		candidate := &Appointment{
			ID:              uuid.NewString(),
			ContactID:       optional(req.ContactID),
			HoldID:          optional(req.ExcludeHoldID),
			StartAt:         req.Start.UTC(),
			DurationMinutes: req.DurationMinutes,
			Status:          AppointmentStatusScheduled,
		}

		if req.ExcludeHoldID != "" {
			err := tx.ConvertHold(req.ExcludeHoldID, candidate.ID)
			if errors.Is(err, ErrHoldNotActive) {
				return Decision{Code: CodeHoldUnavailable, Overlapping: d.Overlapping, Capacity: d.Capacity}, nil
			}

			if err != nil {
				return d, err
			}
		}

		err := tx.CreateAppointment(candidate)
		if err != nil {
			return d, err
		}

		appointment = candidate

		return d, nil
	})
	if err != nil {
		return nil, Decision{}, err
	}

	return appointment, decision, nil
}

func (resolver *Resolver) withAdmission(
	ctx context.Context,
	req Request,
	override bool,
	run func(ctx context.Context, fn func(tx Tx) error) error,
	then func(tx Tx, decision Decision) (Decision, error),
) (Decision, error) {
	capacity, err := resolver.capacity(req, override)
	if err != nil {
		return Decision{}, err
	}

	decision, ok := resolver.Calendar.precheck(req, capacity)
	if !ok {
		resolver.record(req, decision)
		return decision, nil
	}

	err = run(ctx, func(tx Tx) error {
		overlap, err := tx.CountOverlapping(req.Start, req.End(), resolver.Now(), req.ExcludeHoldID)
		if err != nil {
			return err
		}

		decision, err = then(tx, Admit(overlap, capacity))

		return err
	})
	if err != nil {
		logging.Logger.Error("[withAdmission] Booking admission failed",
			zap.Time("start", req.Start),
			zap.Int("duration_minutes", req.DurationMinutes),
			zap.String("error", err.Error()),
		)

		return Decision{}, err
	}

	resolver.record(req, decision)

	return decision, nil
}

func (resolver *Resolver) record(req Request, decision Decision) {
	prometheus.BookingAdmissions.WithLabelValues(string(decision.Code)).Inc()

	logging.Logger.Info("[Admission] Booking admission decided",
		zap.Time("start", req.Start),
		zap.Int("duration_minutes", req.DurationMinutes),
		zap.String("code", string(decision.Code)),
		zap.Int64("overlapping", decision.Overlapping),
		zap.Int("capacity", decision.Capacity),
	)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
