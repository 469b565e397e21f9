package booking

import "time"

const (
	AppointmentStatusScheduled = "scheduled"
	AppointmentStatusConfirmed = "confirmed"
	AppointmentStatusCompleted = "completed"
	AppointmentStatusCanceled  = "canceled"
	AppointmentStatusNoShow    = "no_show"
)

const (
	HoldStatusActive    = "active"
	HoldStatusConverted = "converted"
	HoldStatusReleased  = "released"
)

type Appointment struct {
	ID              string     `gorm:"column:id;type:uuid;primaryKey"                      json:"id"`
	ContactID       *string    `gorm:"column:contact_id;type:uuid;index"                   json:"contact_id,omitempty"`
	HoldID          *string    `gorm:"column:hold_id;type:uuid"                            json:"hold_id,omitempty"`
	StartAt         time.Time  `gorm:"column:start_at;not null;index"                      json:"start_at"`
	DurationMinutes int        `gorm:"column:duration_minutes;not null"                    json:"duration_minutes"`
	Status          string     `gorm:"column:status;type:varchar(20);not null;index"       json:"status"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"                    json:"created_at"`
	CanceledAt      *time.Time `gorm:"column:canceled_at"                                  json:"canceled_at,omitempty"`
}

func (Appointment) TableName() string {
	return "appointments"
}

func (a Appointment) EndAt() time.Time {
	return a.StartAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Hold reserves a slot provisionally until ExpiresAt.
type Hold struct {
	ID              string    `gorm:"column:id;type:uuid;primaryKey"                json:"id"`
	ContactID       *string   `gorm:"column:contact_id;type:uuid"                   json:"contact_id,omitempty"`
	StartAt         time.Time `gorm:"column:start_at;not null;index"                json:"start_at"`
	DurationMinutes int       `gorm:"column:duration_minutes;not null"              json:"duration_minutes"`
	Status          string    `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	ExpiresAt       time.Time `gorm:"column:expires_at;not null"                    json:"expires_at"`
	AppointmentID   *string   `gorm:"column:appointment_id;type:uuid"               json:"appointment_id,omitempty"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"              json:"created_at"`
}

func (Hold) TableName() string {
	return "slot_holds"
}

func (h Hold) EndAt() time.Time {
	return h.StartAt.Add(time.Duration(h.DurationMinutes) * time.Minute)
}

// Live reports whether the hold still counts against capacity at now.
func (h Hold) Live(now time.Time) bool {
	return h.Status == HoldStatusActive && h.ExpiresAt.After(now)
}

// Blocking reports whether the appointment still occupies its slot.
func (a Appointment) Blocking() bool {
	switch a.Status {
	case AppointmentStatusCanceled, AppointmentStatusCompleted, AppointmentStatusNoShow:
		return false
	default:
		return true
	}
}
