package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopfront/autopilot/internal/database"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotPending                   = fmt.Errorf("dead letter is not pending: %w", database.ErrNoRowsAffected)
	ErrNotReplayable                = fmt.Errorf("dead letter is not flagged for replay: %w", database.ErrNoRowsAffected)
	ErrInvalidJobDeadLetterResult   = errors.New("invalid result type, it should be pointer to JobDeadLetter")
	ErrInvalidJobDeadLettersResult  = errors.New("invalid result type, it should be slice of JobDeadLetter")
	ErrInvalidReplayedJobRecordType = errors.New("invalid result type, it should be pointer to job.Record")
)

// EnqueueFunc stores the replacement job through tx.
type EnqueueFunc func(tx *gorm.DB, payload job.Payload) (*job.Record, error)

type DeadLetterRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
	Now            func() time.Time
}

func NewRepository(dbConn *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker("job_dead_letters"),
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// Upsert stores letter, resetting a previously replayed row for the same job to pending.
func (dlRepository *DeadLetterRepository) Upsert(ctx context.Context, letter *JobDeadLetter) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		var dbConn *gorm.DB

		// A cancelled handler context must not lose the dead letter.
		select {
		case <-ctx.Done():
			dbConn = dlRepository.DBConn
		default:
			dbConn = dlRepository.DBConn.WithContext(ctx)
		}

		err := dbConn.Where("job_id = ?", letter.JobID).
			Assign(map[string]any{
				"kind":     letter.Kind,
				"payload":  letter.Payload,
				"error":    letter.Error,
				"attempts": letter.Attempts,
				"status":   StatusPending,
			}).
			FirstOrCreate(letter).Error
		if err != nil {
			logging.Logger.Error("[Upsert] Failed to store dead letter",
				zap.String("job_id", letter.JobID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return letter, nil
	})

	return err
}

func (dlRepository *DeadLetterRepository) Get(ctx context.Context, jobID string) (*JobDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		var letter JobDeadLetter

		err := dlRepository.DBConn.WithContext(ctx).
			Where("job_id = ?", jobID).
			First(&letter).Error
		if err != nil {
			return nil, err
		}

		return &letter, nil
	})
	if err != nil {
		return nil, err
	}

	letter, ok := result.(*JobDeadLetter)
	if !ok {
		return nil, ErrInvalidJobDeadLetterResult
	}

	return letter, nil
}

// ListByStatus returns up to limit letters in status, oldest first.
func (dlRepository *DeadLetterRepository) ListByStatus(ctx context.Context, status string, limit int) ([]JobDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		var letters []JobDeadLetter

		err := dlRepository.DBConn.WithContext(ctx).
			Where("status = ?", status).
			Order("created_at ASC").
			Limit(limit).
			Find(&letters).Error
		if err != nil {
			logging.Logger.Error("[ListByStatus] Failed to fetch dead letters",
				zap.String("status", status),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return letters, nil
	})
	if err != nil {
		return nil, err
	}

	letters, ok := result.([]JobDeadLetter)
	if !ok {
		return nil, ErrInvalidJobDeadLettersResult
	}

	return letters, nil
}

// RequestReplay flags a pending letter for the replay worker.
func (dlRepository *DeadLetterRepository) RequestReplay(ctx context.Context, jobID string) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		tx := dlRepository.DBConn.WithContext(ctx).
			Model(&JobDeadLetter{}).
			Where("job_id = ? AND status = ?", jobID, StatusPending).
			Update("status", StatusReplay)
		if tx.Error != nil {
			return nil, tx.Error
		}

		if tx.RowsAffected == 0 {
			return nil, ErrNotPending
		}

		return nil, nil
	})

	return err
}

// Replay moves a letter from replay to replayed and enqueues its payload in
// the same transaction, so a letter is replayed at most once per request.
func (dlRepository *DeadLetterRepository) Replay(ctx context.Context, letter *JobDeadLetter, enqueue EnqueueFunc) (*job.Record, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		payload, err := job.DecodePayload(job.Kind(letter.Kind), letter.Payload)
		if err != nil {
			return nil, err
		}

		var record *job.Record

		err = dlRepository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			record, err = enqueue(tx, payload)
			if err != nil {
				return err
			}

			updated := tx.Model(&JobDeadLetter{}).
				Where("job_id = ? AND status = ?", letter.JobID, StatusReplay).
				Updates(map[string]any{
					"status":          StatusReplayed,
					"replay_count":    gorm.Expr("replay_count + 1"),
					"replayed_job_id": record.ID,
					"last_replay_at":  dlRepository.Now(),
				})
			if updated.Error != nil {
				return updated.Error
			}

			if updated.RowsAffected == 0 {
				return ErrNotReplayable
			}

			return nil
		})
		if err != nil {
			return nil, err
		}

		return record, nil
	})
	if err != nil {
		return nil, err
	}

	record, ok := result.(*job.Record)
	if !ok {
		return nil, ErrInvalidReplayedJobRecordType
	}

	return record, nil
}
