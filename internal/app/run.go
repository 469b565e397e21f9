package app

import (
	"context"
	"sync"
	"time"

	"github.com/shopfront/autopilot/internal/api"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

// Run starts the background loops and blocks on the inbound consumer until
// ctx is canceled, then releases what NewApp acquired.
func (app *App) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting app goroutines...")

	go app.HealthCheckerService.Monitor(ctx)

	var loops sync.WaitGroup

	loops.Add(2)

	go func() {
		defer loops.Done()
		app.Dispatcher.Run(ctx)
	}()

	go func() {
		defer loops.Done()
		app.DeadLetterWorker.Run(ctx)
	}()

	go func() {
		router := api.NewRouter(
			api.NewBookingHandler(app.Resolver, time.Duration(config.Conf.BookingHoldTTL)*time.Second),
			app.ping,
		)

		err := api.Serve(ctx, ":"+config.Conf.HTTPPort, time.Duration(config.Conf.HTTPTimeout)*time.Second, router)
		if err != nil {
			logging.Logger.Error("[Run] HTTP API failed", zap.Error(err))
		}
	}()

	logging.Logger.Info("[Run] Starting inbound Kafka consumer (BLOCKING)",
		zap.String("topic", config.Conf.KafkaInboundTopic),
	)

	err := app.KafkaConsumer.Consume(ctx, config.Conf.KafkaInboundTopic, app.InboundConsumer.HandleMessage)
	if err != nil {
		logging.Logger.Error("[Run] Kafka consumer returned error", zap.Error(err))
		return err
	}

	logging.Logger.Warn("[Run] Kafka consumer returned, beginning shutdown...")

	// In-flight batches settle before their pools go away.
	loops.Wait()

	app.shutdown()

	return nil
}

func (app *App) ping(ctx context.Context) error {
	sqlDB, err := app.DBConn.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

func (app *App) shutdown() {
	err := app.KafkaConsumer.Close()
	if err != nil {
		logging.Logger.Error("[Run] Failed to close consumer", zap.String("error", err.Error()))
	}

	logging.Logger.Info("[Run] Releasing worker pools...",
		zap.Int("running_workers", app.WorkerPool.Running()),
	)
	app.WorkerPool.Release()
	app.DeadLetterWorker.Release()

	err = app.KafkaProducer.Close()
	if err != nil {
		logging.Logger.Error("[Run] Failed to close producer", zap.String("error", err.Error()))
	}

	sqlDB, err := app.DBConn.DB()
	if err == nil {
		_ = sqlDB.Close()
	}

	logging.Logger.Info("[Run] ===== App shutdown complete =====")
}
