package booking

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is the user-facing result of an admission check.
type Code string

const (
	CodeAdmitted           Code = "admitted"
	CodeSlotFull           Code = "slot_full"
	CodeOutsideServiceDays Code = "outside_service_days"
	CodeInvalidDuration    Code = "invalid_duration"
	CodeHoldUnavailable    Code = "hold_unavailable"
)

var (
	ErrInvalidCapacity = errors.New("booking capacity must be at least 1")
	ErrInvalidWeekday  = errors.New("invalid service weekday")
)

type Request struct {
	Start           time.Time `json:"start"            validate:"required"`
	DurationMinutes int       `json:"duration_minutes"`
	// Capacity overrides the configured limit of a read-only check when positive.
	// It is never decoded from a body and writes ignore it.
	Capacity int `json:"-"`
	// ExcludeHoldID names the caller's own hold, which must not count against it.
	ExcludeHoldID string `json:"exclude_hold_id,omitempty"`
	ContactID     string `json:"contact_id,omitempty"`
}

func (r Request) End() time.Time {
	return r.Start.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

type Decision struct {
	Admitted    bool  `json:"admitted"`
	Code        Code  `json:"code"`
	Overlapping int64 `json:"overlapping"`
	Capacity    int   `json:"capacity"`
}

// Overlap counts what already occupies a window.
type Overlap struct {
	Appointments int64
	Holds        int64
}

func (o Overlap) Total() int64 {
	return o.Appointments + o.Holds
}

// Overlaps applies the half-open rule: [aStart, aEnd) and [bStart, bEnd)
// intersect unless one ends at or before the other starts.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// Admit decides a request against what already overlaps its window.
func Admit(overlap Overlap, capacity int) Decision {
	total := overlap.Total()
	if total >= int64(capacity) {
		return Decision{Code: CodeSlotFull, Overlapping: total, Capacity: capacity}
	}

	return Decision{Admitted: true, Code: CodeAdmitted, Overlapping: total, Capacity: capacity}
}

// Calendar is the single business timezone and the weekdays it takes bookings on.
type Calendar struct {
	Location    *time.Location
	ServiceDays map[time.Weekday]bool
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// NewCalendar builds a calendar from an IANA zone name and a comma list such as "mon,tue,wed".
// An empty list means every day.
func NewCalendar(timezone, serviceDays string) (Calendar, error) {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return Calendar{}, err
	}

	days := map[time.Weekday]bool{}

	for _, name := range strings.Split(serviceDays, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}

		if len(name) > 3 {
			name = name[:3]
		}

		weekday, ok := weekdayNames[name]
		if !ok {
			return Calendar{}, fmt.Errorf("%w: %q", ErrInvalidWeekday, name)
		}

		days[weekday] = true
	}

	return Calendar{Location: location, ServiceDays: days}, nil
}

// IsServiceDay reports whether t falls on a service day in the business timezone.
func (c Calendar) IsServiceDay(t time.Time) bool {
	if len(c.ServiceDays) == 0 {
		return true
	}

	location := c.Location
	if location == nil {
		location = time.UTC
	}

	return c.ServiceDays[t.In(location).Weekday()]
}

// precheck rejects requests that need no store lookup.
func (c Calendar) precheck(req Request, capacity int) (Decision, bool) {
	if req.DurationMinutes <= 0 {
		return Decision{Code: CodeInvalidDuration, Capacity: capacity}, false
	}

	if !c.IsServiceDay(req.Start) {
		return Decision{Code: CodeOutsideServiceDays, Capacity: capacity}, false
	}

	return Decision{}, true
}
