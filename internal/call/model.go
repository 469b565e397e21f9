package call

import (
	"time"
)

const (
	StatusRinging   = "ringing"
	StatusConnected = "connected"
	StatusMissed    = "missed"
	StatusFailed    = "failed"
)

// PhoneCall is one logged call between a team member and a contact.
type PhoneCall struct {
	ID          string     `gorm:"column:id;type:uuid;primaryKey"          json:"id"`
	ContactID   string     `gorm:"column:contact_id;type:uuid;index"       json:"contact_id"`
	UserID      *string    `gorm:"column:user_id;type:uuid"                json:"user_id"`
	Direction   string     `gorm:"column:direction;type:varchar(10)"       json:"direction"`
	Status      string     `gorm:"column:status;type:varchar(20)"          json:"status"`
	StartedAt   time.Time  `gorm:"column:started_at;not null"              json:"started_at"`
	ConnectedAt *time.Time `gorm:"column:connected_at"                     json:"connected_at"`
	EndedAt     *time.Time `gorm:"column:ended_at"                         json:"ended_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"        json:"created_at"`
}

func (PhoneCall) TableName() string {
	return "phone_calls"
}
