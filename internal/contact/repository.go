package contact

import (
	"context"
	"errors"

	"github.com/shopfront/autopilot/internal/database"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ContactRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewContactRepository(dbConn *gorm.DB) *ContactRepository {
	return &ContactRepository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker("contacts"),
	}
}

var ErrInvalidContactResult = errors.New("invalid result type, it should be pointer to Contact struct")

// GetContact retrieves a Contact by its id
func (contactRepository *ContactRepository) GetContact(ctx context.Context, id string) (*Contact, error) {
	result, err := contactRepository.CircuitBreaker.Execute(func() (any, error) {
		var contact Contact

		err := contactRepository.DBConn.WithContext(ctx).
			Where("id = ?", id).
			First(&contact).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				logging.Logger.Error("[GetContact] Failed to fetch contact",
					zap.String("contact_id", id),
					zap.String("error", err.Error()),
				)
			}

			return nil, err
		}

		return &contact, nil
	})
	if err != nil {
		return nil, err
	}

	contact, ok := result.(*Contact)
	if !ok {
		return nil, ErrInvalidContactResult
	}

	return contact, nil
}
