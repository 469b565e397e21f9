package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/shopfront/autopilot/internal/app"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/shopfront/autopilot/internal/prometheus"
	"go.uber.org/zap"
)

func main() {
	err := config.Load()
	if err != nil {
		logging.Logger.Fatal("failed to load config", zap.String("error", err.Error()))
	}

	err = logging.Setup()
	if err != nil {
		logging.Logger.Fatal("failed to set up logging", zap.String("error", err.Error()))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go prometheus.Run(rootCtx)

	// Every pass builds a fresh app. A tripped breaker cancels the pass; the
	// loop waits for the failed service to recover and starts over.
	for rootCtx.Err() == nil {
		ctx, cancel := context.WithCancel(rootCtx)

		autopilotApp, err := app.NewApp(cancel)
		if err != nil {
			logging.Logger.Fatal("failed to create autopilot app", zap.String("error", err.Error()))
		}

		err = autopilotApp.Run(ctx)
		if err != nil {
			logging.Logger.Fatal("autopilot app failed", zap.String("error", err.Error()))
		}

		<-ctx.Done()

		cancel()

		if rootCtx.Err() != nil {
			break
		}

		autopilotApp.HealthCheckerService.Check()
	}

	logging.Logger.Info("autopilot stopped")
}
