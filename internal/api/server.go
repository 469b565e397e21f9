package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Serve runs handler on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, timeout time.Duration, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
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

	logging.Logger.Info("[Serve] Starting HTTP API", zap.String("addr", addr))

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Logger.Error("[Serve] HTTP API stopped", zap.String("error", err.Error()))
		return err
	}

	return nil
}
