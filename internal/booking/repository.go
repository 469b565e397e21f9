package booking

import (
	"context"
	"errors"
	"time"

	"github.com/shopfront/autopilot/internal/database"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// admissionLockKey serializes every admission check-then-insert in the database.
const admissionLockKey int64 = 0x626f6f6b696e67

var (
	ErrHoldNotActive     = errors.New("hold is not active")
	ErrInvalidBoolResult = errors.New("invalid result type, it should be bool")
)

// Tx is the view of the store inside one admission transaction.
type Tx interface {
	CountOverlapping(start, end, now time.Time, excludeHoldID string) (Overlap, error)
	CreateHold(hold *Hold) error
	CreateAppointment(appointment *Appointment) error
	ConvertHold(holdID, appointmentID string) error
}

type Store interface {
	// View runs fn in a read transaction without taking the admission lock.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Serialize runs fn in a transaction holding the admission lock.
	Serialize(ctx context.Context, fn func(tx Tx) error) error
}

type Repository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *Repository {
	return &Repository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker("booking"),
	}
}

func (bookingRepository *Repository) View(ctx context.Context, fn func(tx Tx) error) error {
	_, err := bookingRepository.CircuitBreaker.Execute(func() (any, error) {
		return nil, bookingRepository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&gormTx{db: tx})
		})
	})

	return err
}

func (bookingRepository *Repository) Serialize(ctx context.Context, fn func(tx Tx) error) error {
	_, err := bookingRepository.CircuitBreaker.Execute(func() (any, error) {
		return nil, bookingRepository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Exec("SELECT pg_advisory_xact_lock(?)", admissionLockKey).Error
			if err != nil {
				logging.Logger.Error("[Serialize] Failed to take admission lock", zap.String("error", err.Error()))
				return err
			}

			return fn(&gormTx{db: tx})
		})
	})

	return err
}

// HasUpcomingAppointment reports whether the contact has a blocking appointment that has not ended.
func (bookingRepository *Repository) HasUpcomingAppointment(ctx context.Context, contactID string, now time.Time) (bool, error) {
	result, err := bookingRepository.CircuitBreaker.Execute(func() (any, error) {
		var count int64

		err := bookingRepository.DBConn.WithContext(ctx).
			Model(&Appointment{}).
			Where("contact_id = ?", contactID).
			Where("status NOT IN ?", nonBlockingStatuses).
			Where("start_at + (duration_minutes * interval '1 minute') > ?", now).
			Count(&count).Error
		if err != nil {
			logging.Logger.Error("[HasUpcomingAppointment] Failed to count appointments",
				zap.String("contact_id", contactID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return count > 0, nil
	})
	if err != nil {
		return false, err
	}

	exists, ok := result.(bool)
	if !ok {
		return false, ErrInvalidBoolResult
	}

	return exists, nil
}

var nonBlockingStatuses = []string{
	AppointmentStatusCanceled,
	AppointmentStatusCompleted,
	AppointmentStatusNoShow,
}

type gormTx struct {
	db *gorm.DB
}

func (tx *gormTx) CountOverlapping(start, end, now time.Time, excludeHoldID string) (Overlap, error) {
	var overlap Overlap

	err := tx.db.Model(&Appointment{}).
		Where("status NOT IN ?", nonBlockingStatuses).
		Where("start_at < ?", end).
		Where("start_at + (duration_minutes * interval '1 minute') > ?", start).
		Count(&overlap.Appointments).Error
	if err != nil {
		return Overlap{}, err
	}

	holds := tx.db.Model(&Hold{}).
		Where("status = ? AND expires_at > ?", HoldStatusActive, now).
		Where("start_at < ?", end).
		Where("start_at + (duration_minutes * interval '1 minute') > ?", start)
	if excludeHoldID != "" {
		holds = holds.Where("id <> ?", excludeHoldID)
	}

	err = holds.Count(&overlap.Holds).Error
	if err != nil {
		return Overlap{}, err
	}

	return overlap, nil
}

func (tx *gormTx) CreateHold(hold *Hold) error {
	return tx.db.Create(hold).Error
}

func (tx *gormTx) CreateAppointment(appointment *Appointment) error {
	return tx.db.Create(appointment).Error
}

func (tx *gormTx) ConvertHold(holdID, appointmentID string) error {
	result := tx.db.Model(&Hold{}).
		Where("id = ? AND status = ?", holdID, HoldStatusActive).
		Updates(map[string]any{
			"status":         HoldStatusConverted,
			"appointment_id": appointmentID,
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrHoldNotActive
	}

	return nil
}
