package cli

import (
	"sync"

	"github.com/shopfront/autopilot/internal/booking"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/database"
	"github.com/shopfront/autopilot/internal/deadletter"
	"github.com/shopfront/autopilot/internal/job"
	"gorm.io/gorm"
)

var (
	dbOnce sync.Once
	dbConn *gorm.DB
	dbErr  error
)

func db() (*gorm.DB, error) {
	dbOnce.Do(func() {
		dbErr = config.Load()
		if dbErr != nil {
			return
		}

		dbConn, dbErr = database.NewDatabase()
	})

	return dbConn, dbErr
}

func jobRepository() (*job.Repository, error) {
	conn, err := db()
	if err != nil {
		return nil, err
	}

	return job.NewRepository(conn), nil
}

func deadLetterService() (*deadletter.DeadLetterService, error) {
	conn, err := db()
	if err != nil {
		return nil, err
	}

	return deadletter.NewService(deadletter.NewRepository(conn), job.NewRepository(conn)), nil
}

func bookingResolver() (*booking.Resolver, error) {
	conn, err := db()
	if err != nil {
		return nil, err
	}

	calendar, err := booking.NewCalendar(config.Conf.BusinessTimezone, config.Conf.BusinessServiceDays)
	if err != nil {
		return nil, err
	}

	return booking.NewResolver(booking.NewRepository(conn), calendar, config.Conf.BookingCapacity), nil
}
