package contact

import (
	"time"
)

// StageNew is the only pipeline stage the autopilot replies in.
const StageNew = "new"

type Contact struct {
	ID             string     `gorm:"column:id;type:uuid;primaryKey"              json:"id"`
	Name           *string    `gorm:"column:name"                                 json:"name"`
	PhoneE164      *string    `gorm:"column:phone_e164;type:varchar(20)"          json:"phone_e164"`
	Email          *string    `gorm:"column:email"                                json:"email"`
	PipelineStage  string     `gorm:"column:pipeline_stage;not null;default:new"  json:"pipeline_stage"`
	AssignedUserID *string    `gorm:"column:assigned_user_id;type:uuid"           json:"assigned_user_id"`
	AssignedAt     *time.Time `gorm:"column:assigned_at"                          json:"assigned_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"            json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"            json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}
