package job

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
)

// Outcome is what a handler invocation decided about its record.
type Outcome string

// Record is one unit of deferred work. It is never deleted; a non-nil
// ProcessedAt marks it terminal.
type Record struct {
	ID            string         `gorm:"column:id;type:uuid;primaryKey"`
	Kind          Kind           `gorm:"column:kind;type:varchar(64);not null;index"`
	Payload       datatypes.JSON `gorm:"column:payload;type:jsonb;not null"`
	Attempts      int            `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt time.Time      `gorm:"column:next_attempt_at;not null;index:idx_job_records_due,priority:2"`
	LockedUntil   *time.Time     `gorm:"column:locked_until"`
	LastError     *string        `gorm:"column:last_error;type:text"`
	Note          *string        `gorm:"column:note;type:text"`
	Outcome       Outcome        `gorm:"column:outcome;type:varchar(16);not null;default:''"`
	ProcessedAt   *time.Time     `gorm:"column:processed_at;index:idx_job_records_due,priority:1"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null"`
}

func (Record) TableName() string {
	return "job_records"
}

// NewRecord builds an unsaved record for payload. An eligibleAt in the past
// (or zero) makes the record due immediately.
func NewRecord(payload Payload, eligibleAt, now time.Time) (*Record, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	next := eligibleAt
	if next.Before(now) {
		next = now
	}

	return &Record{
		ID:            uuid.NewString(),
		Kind:          payload.Kind(),
		Payload:       body,
		NextAttemptAt: next,
		CreatedAt:     now,
	}, nil
}
