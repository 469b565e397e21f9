package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/shopfront/autopilot/internal/database"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorLen = 1024

var (
	ErrAlreadyProcessed     = fmt.Errorf("job already processed: %w", database.ErrNoRowsAffected)
	ErrInvalidRecordResult  = errors.New("invalid result type, it should be pointer to Record struct")
	ErrInvalidRecordsResult = errors.New("invalid result type, it should be slice of Record")
)

const claimQuery = `
UPDATE job_records
SET locked_until = ?
WHERE id IN (
	SELECT id FROM job_records
	WHERE processed_at IS NULL
	  AND next_attempt_at <= ?
	  AND (locked_until IS NULL OR locked_until <= ?)
	ORDER BY next_attempt_at ASC, created_at ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

type Repository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
	Now            func() time.Time
}

func NewRepository(dbConn *gorm.DB) *Repository {
	return &Repository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker("job_records"),
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores a new record for payload, due at eligibleAt (or now, if earlier).
func (jobRepository *Repository) Enqueue(ctx context.Context, payload Payload, eligibleAt time.Time) (*Record, error) {
	result, err := jobRepository.CircuitBreaker.Execute(func() (any, error) {
		return jobRepository.EnqueueTx(jobRepository.DBConn.WithContext(ctx), payload, eligibleAt)
	})
	if err != nil {
		return nil, err
	}

	record, ok := result.(*Record)
	if !ok {
		return nil, ErrInvalidRecordResult
	}

	return record, nil
}

// EnqueueTx stores a new record through tx, so it commits or rolls back with the caller's writes.
func (jobRepository *Repository) EnqueueTx(tx *gorm.DB, payload Payload, eligibleAt time.Time) (*Record, error) {
	record, err := NewRecord(payload, eligibleAt, jobRepository.Now())
	if err != nil {
		return nil, err
	}

	err = tx.Create(record).Error
	if err != nil {
		logging.Logger.Error("[EnqueueTx] Failed to insert job record",
			zap.String("kind", string(record.Kind)),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Debug("[EnqueueTx] Job enqueued",
		zap.String("job_id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.Time("next_attempt_at", record.NextAttemptAt),
	)

	return record, nil
}

// Claim leases up to limit due, unprocessed records, oldest-eligible first.
// Leased records are invisible to other claimers until the lease runs out.
func (jobRepository *Repository) Claim(ctx context.Context, limit int, lease time.Duration) ([]Record, error) {
	result, err := jobRepository.CircuitBreaker.Execute(func() (any, error) {
		now := jobRepository.Now()

		var records []Record

		err := jobRepository.DBConn.WithContext(ctx).
			Raw(claimQuery, now.Add(lease), now, now, limit).
			Scan(&records).Error
		if err != nil {
			logging.Logger.Error("[Claim] Failed to claim job records",
				zap.Int("limit", limit),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		sort.SliceStable(records, func(i, j int) bool {
			if records[i].NextAttemptAt.Equal(records[j].NextAttemptAt) {
				return records[i].CreatedAt.Before(records[j].CreatedAt)
			}

			return records[i].NextAttemptAt.Before(records[j].NextAttemptAt)
		})

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]Record)
	if !ok {
		return nil, ErrInvalidRecordsResult
	}

	return records, nil
}

func (jobRepository *Repository) Complete(ctx context.Context, id string) error {
	return jobRepository.settle(ctx, id, map[string]any{
		"outcome": OutcomeProcessed,
	})
}

func (jobRepository *Repository) Skip(ctx context.Context, id, reason string) error {
	return jobRepository.settle(ctx, id, map[string]any{
		"outcome": OutcomeSkipped,
		"note":    truncate(reason),
	})
}

// Fail ends the record with an error; it is never dispatched again.
func (jobRepository *Repository) Fail(ctx context.Context, id, errMsg string) error {
	return jobRepository.settle(ctx, id, map[string]any{
		"outcome":    OutcomeFailed,
		"last_error": truncate(errMsg),
	})
}

// Retry pushes the record's next attempt delay into the future and releases its lease.
func (jobRepository *Repository) Retry(ctx context.Context, id string, delay time.Duration, errMsg string) error {
	now := jobRepository.Now()

	return jobRepository.update(ctx, "Retry", id, map[string]any{
		"attempts":        gorm.Expr("attempts + 1"),
		"next_attempt_at": now.Add(delay),
		"locked_until":    nil,
		"last_error":      truncate(errMsg),
		"outcome":         OutcomeRetry,
	})
}

func (jobRepository *Repository) settle(ctx context.Context, id string, updates map[string]any) error {
	updates["attempts"] = gorm.Expr("attempts + 1")
	updates["processed_at"] = jobRepository.Now()
	updates["locked_until"] = nil

	return jobRepository.update(ctx, "settle", id, updates)
}

// update is a compare-and-set on processed_at IS NULL: overlapping workers
// cannot both settle the same record.
func (jobRepository *Repository) update(ctx context.Context, op, id string, updates map[string]any) error {
	_, err := jobRepository.CircuitBreaker.Execute(func() (any, error) {
		tx := jobRepository.DBConn.WithContext(ctx).
			Model(&Record{}).
			Where("id = ? AND processed_at IS NULL", id).
			Updates(updates)
		if tx.Error != nil {
			logging.Logger.Error("[update] Failed to update job record",
				zap.String("op", op),
				zap.String("job_id", id),
				zap.String("error", tx.Error.Error()),
			)

			return nil, tx.Error
		}

		if tx.RowsAffected == 0 {
			return nil, ErrAlreadyProcessed
		}

		return nil, nil
	})

	return err
}

func (jobRepository *Repository) Get(ctx context.Context, id string) (*Record, error) {
	result, err := jobRepository.CircuitBreaker.Execute(func() (any, error) {
		var record Record

		err := jobRepository.DBConn.WithContext(ctx).
			Where("id = ?", id).
			First(&record).Error
		if err != nil {
			return nil, err
		}

		return &record, nil
	})
	if err != nil {
		return nil, err
	}

	record, ok := result.(*Record)
	if !ok {
		return nil, ErrInvalidRecordResult
	}

	return record, nil
}

// CountPending reports unprocessed records per kind.
func (jobRepository *Repository) CountPending(ctx context.Context) (map[Kind]int64, error) {
	result, err := jobRepository.CircuitBreaker.Execute(func() (any, error) {
		var rows []struct {
			Kind  Kind
			Count int64
		}

		err := jobRepository.DBConn.WithContext(ctx).
			Model(&Record{}).
			Select("kind, count(*) AS count").
			Where("processed_at IS NULL").
			Group("kind").
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}

		counts := make(map[Kind]int64, len(rows))
		for _, row := range rows {
			counts[row.Kind] = row.Count
		}

		return counts, nil
	})
	if err != nil {
		return nil, err
	}

	counts, _ := result.(map[Kind]int64)

	return counts, nil
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxErrorLen {
		return s
	}

	runes := []rune(s)

	return string(runes[:maxErrorLen])
}
