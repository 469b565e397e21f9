package healthchecker

import (
	"context"

	"github.com/shopfront/autopilot/internal/logging"
	"github.com/shopfront/autopilot/internal/minio"
	"go.uber.org/zap"
)

func CheckMinio(ctx context.Context) error {
	minioClient, err := minio.NewMinioClient(minio.SettingsFromConfig())
	if err != nil {
		logging.Logger.Error("failed to create new minio client", zap.String("error", err.Error()))
		return err
	}

	return minioClient.Ping(ctx)
}
