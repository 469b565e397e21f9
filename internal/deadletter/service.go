package deadletter

import (
	"context"
	"time"

	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Store interface {
	Upsert(ctx context.Context, letter *JobDeadLetter) error
	Get(ctx context.Context, jobID string) (*JobDeadLetter, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]JobDeadLetter, error)
	RequestReplay(ctx context.Context, jobID string) error
	Replay(ctx context.Context, letter *JobDeadLetter, enqueue EnqueueFunc) (*job.Record, error)
}

type JobEnqueuer interface {
	EnqueueTx(tx *gorm.DB, payload job.Payload, eligibleAt time.Time) (*job.Record, error)
}

type DeadLetterService struct {
	DLRepository Store
	Jobs         JobEnqueuer
	Now          func() time.Time
}

func NewService(store Store, jobs JobEnqueuer) *DeadLetterService {
	return &DeadLetterService{
		DLRepository: store,
		Jobs:         jobs,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// MarkJob copies a terminally failed record into the review queue.
func (dlService *DeadLetterService) MarkJob(ctx context.Context, record *job.Record, errMsg string) error {
	letter := &JobDeadLetter{
		JobID:    record.ID,
		Kind:     string(record.Kind),
		Payload:  record.Payload,
		Error:    errMsg,
		Attempts: record.Attempts + 1,
		Status:   StatusPending,
	}

	err := dlService.DLRepository.Upsert(ctx, letter)
	if err != nil {
		return err
	}

	logging.Logger.Info("[MarkJob] Job dead-lettered",
		zap.String("job_id", record.ID),
		zap.String("kind", string(record.Kind)),
	)

	return nil
}

func (dlService *DeadLetterService) RequestReplay(ctx context.Context, jobID string) error {
	err := dlService.DLRepository.RequestReplay(ctx, jobID)
	if err != nil {
		return err
	}

	logging.Logger.Info("[RequestReplay] Dead letter flagged for replay", zap.String("job_id", jobID))

	return nil
}

func (dlService *DeadLetterService) Pending(ctx context.Context, limit int) ([]JobDeadLetter, error) {
	return dlService.DLRepository.ListByStatus(ctx, StatusPending, limit)
}

// ProcessDeadLetter enqueues a fresh job for a letter flagged for replay.
func (dlService *DeadLetterService) ProcessDeadLetter(ctx context.Context, letter *JobDeadLetter) {
	record, err := dlService.DLRepository.Replay(ctx, letter, func(tx *gorm.DB, payload job.Payload) (*job.Record, error) {
		return dlService.Jobs.EnqueueTx(tx, payload, dlService.Now())
	})
	if err != nil {
		logging.Logger.Error("[ProcessDeadLetter] Failed to replay dead letter",
			zap.String("job_id", letter.JobID),
			zap.String("error", err.Error()),
		)

		return
	}

	logging.Logger.Info("[ProcessDeadLetter] Dead letter replayed",
		zap.String("job_id", letter.JobID),
		zap.String("replayed_job_id", record.ID),
		zap.String("kind", letter.Kind),
	)
}
