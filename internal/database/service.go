package database

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopfront/autopilot/internal/circuitbreak"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// ErrNoRowsAffected is returned by conditional updates whose guard no longer holds.
var ErrNoRowsAffected = errors.New("no rows affected")

func NewDatabase() (*gorm.DB, error) {
	return Open(GetDSN())
}

// Open connects to the given DSN and pings it.
func Open(dsn string) (*gorm.DB, error) {
	gormLoggerInstance := gormLogger.Default.LogMode(gormLogger.Silent)

	database, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLoggerInstance,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		logging.Logger.Error("Failed to connect to Postgres", zap.String("error", err.Error()))
		return nil, err
	}

	sqldatabase, err := database.DB()
	if err != nil {
		logging.Logger.Error("Failed to get sql.database from GORM", zap.String("error", err.Error()))
		return nil, err
	}

	err = sqldatabase.Ping()
	if err != nil {
		logging.Logger.Error("Failed to ping Postgres database", zap.String("error", err.Error()))
		return nil, err
	}

	logging.Logger.Info("Successfully connected to Postgres")

	return database, nil
}

func GetDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s",
		config.Conf.PostgresHost,
		config.Conf.PostgresUsername,
		config.Conf.PostgresPassword,
		config.Conf.PostgresDatabase,
		config.Conf.PostgresPort,
	)
}

func GetURL() string {
	dbUrl := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(config.Conf.PostgresUsername, config.Conf.PostgresPassword),
		Host:   fmt.Sprintf("%s:%s", config.Conf.PostgresHost, config.Conf.PostgresPort),
		Path:   config.Conf.PostgresDatabase,
	}
	queries := url.Values{}
	queries.Add("sslmode", "disable")
	dbUrl.RawQuery = queries.Encode()

	return dbUrl.String()
}

// NewCircuitBreaker returns the breaker shared in shape by every repository.
// The zero-valued config (tests, tools) never trips.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](GetCircuitBreakerSettings(name))
}

func GetCircuitBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:     name,
		Interval: time.Duration(config.Conf.DBIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.Conf.DBConsecutiveFailuresCB == 0 {
				return false
			}

			willTrip := counts.ConsecutiveFailures >= config.Conf.DBConsecutiveFailuresCB

			if willTrip {
				logging.Logger.Error("Database circuit breaker about to trip",
					zap.String("service", name),
					zap.Uint32("total_requests", counts.Requests),
					zap.Uint32("total_successes", counts.TotalSuccesses),
					zap.Uint32("total_failures", counts.TotalFailures),
					zap.Uint32("consecutive_successes", counts.ConsecutiveSuccesses),
					zap.Uint32("consecutive_failures", counts.ConsecutiveFailures),
					zap.Uint32("threshold", config.Conf.DBConsecutiveFailuresCB),
				)
			}

			return willTrip
		},
		IsSuccessful: IsSuccessful,
		OnStateChange: func(name string, fromSate, toSate gobreaker.State) {
			logging.Logger.Error("Database circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", fromSate.String()),
				zap.String("to", toSate.String()),
			)

			if toSate == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.DBService)
			}
		},
	}
}

// IsSuccessful keeps lookups that simply found nothing, lost
// compare-and-set races and unique-key conflicts from counting as
// database failures.
func IsSuccessful(err error) bool {
	if err == nil {
		return true
	}

	return errors.Is(err, gorm.ErrRecordNotFound) ||
		errors.Is(err, ErrNoRowsAffected) ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}
