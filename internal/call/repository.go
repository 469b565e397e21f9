package call

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

var ErrInvalidBoolResult = errors.New("invalid result type, it should be bool")

type CallRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewCallRepository(dbConn *gorm.DB) *CallRepository {
	return &CallRepository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker("phone_calls"),
	}
}

// HasConnectedCallSince reports whether a team member reached the contact by phone after since.
func (callRepository *CallRepository) HasConnectedCallSince(
	ctx context.Context,
	contactID string,
	since time.Time,
) (bool, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		// Check context before database operation
		if ctx.Err() != nil {
			logging.Logger.Warn("[HasConnectedCallSince] Context canceled before DB operation",
				zap.String("contact_id", contactID),
				zap.Error(ctx.Err()),
			)

			return nil, ctx.Err()
		}

		var count int64

		err := callRepository.DBConn.WithContext(ctx).
			Model(&PhoneCall{}).
			Where("contact_id = ? AND user_id IS NOT NULL", contactID).
			Where("connected_at IS NOT NULL AND connected_at > ?", since).
			Count(&count).Error
		if err != nil {
			logging.Logger.Error("[HasConnectedCallSince] Failed to count calls",
				zap.String("contact_id", contactID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return count > 0, nil
	})
	if err != nil {
		return false, err
	}

	connected, ok := result.(bool)
	if !ok {
		return false, ErrInvalidBoolResult
	}

	return connected, nil
}
