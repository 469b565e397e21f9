package deadletter

import (
	"time"

	"gorm.io/datatypes"
)

// JobDeadLetter is a job that failed terminally, kept for human review.
// Operators flag it for replay; the replay worker enqueues a fresh job with
// the same payload and remembers its id.
type JobDeadLetter struct {
	JobID         string         `gorm:"column:job_id;type:uuid;primaryKey"`
	Kind          string         `gorm:"column:kind;type:varchar(64);not null"`
	Payload       datatypes.JSON `gorm:"column:payload;type:jsonb;not null"`
	Error         string         `gorm:"column:error;type:text;not null"`
	Attempts      int            `gorm:"column:attempts;not null;default:0"`
	Status        string         `gorm:"column:status;type:varchar(20);default:'pending';not null;index"`
	ReplayCount   int            `gorm:"column:replay_count;not null;default:0"`
	ReplayedJobID *string        `gorm:"column:replayed_job_id;type:uuid"`
	LastReplayAt  *time.Time     `gorm:"column:last_replay_at"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

const (
	StatusPending  = "pending"
	StatusReplay   = "replay"
	StatusReplayed = "replayed"
)

func (JobDeadLetter) TableName() string {
	return "job_dead_letters"
}
