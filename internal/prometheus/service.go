package prometheus

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Run serves /metrics until ctx is canceled.
func Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	timeout := time.Duration(config.Conf.PrometheusTimeout) * time.Second

	server := &http.Server{
		Addr:              ":" + config.Conf.PrometheusPort,
		Handler:           mux,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logging.Logger.Info("start prometheus server", zap.String("port", config.Conf.PrometheusPort))

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Logger.Error("failed to start prometheus server", zap.String("error", err.Error()))
	}
}
