package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/avast/retry-go"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopfront/autopilot/internal/circuitbreak"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/logging"
	prometheusMetrics "github.com/shopfront/autopilot/internal/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	ErrNotConfigured      = errors.New("minio endpoint is not configured")
	ErrConvertToStringURL = errors.New("failed to convert result url to string")
	ErrConvertToBytes     = errors.New("failed to convert result to byte slice")
)

type Settings struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PathPrefix    string
	Secure        bool
	Timeout       time.Duration
	RetryAttempts uint
	BackoffMin    time.Duration
	BackoffMax    time.Duration
}

func SettingsFromConfig() Settings {
	return Settings{
		Endpoint:      config.Conf.MinioEndpointURL,
		AccessKey:     config.Conf.MinioAccessKey,
		SecretKey:     config.Conf.MinioSecretKey,
		Bucket:        config.Conf.MinioBucketName,
		PathPrefix:    config.Conf.MinioPathPrefix,
		Secure:        config.Conf.MinioSecure,
		Timeout:       time.Duration(config.Conf.MinioTimeout) * time.Second,
		RetryAttempts: config.Conf.MinioMaxRetryAttempts,
		BackoffMin:    time.Duration(config.Conf.MinioRetryBackoffMinSeconds) * time.Second,
		BackoffMax:    time.Duration(config.Conf.MinioRetryBackoffMaxSeconds) * time.Second,
	}
}

type MinioClient struct {
	Client         *minio.Client
	CircuitBreaker *gobreaker.CircuitBreaker[any]
	Settings       Settings
}

func NewMinioClient(settings Settings) (*MinioClient, error) {
	if settings.Endpoint == "" {
		return nil, ErrNotConfigured
	}

	if settings.RetryAttempts < 1 {
		settings.RetryAttempts = 1
	}

	client, err := minio.New(settings.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(settings.AccessKey, settings.SecretKey, ""),
		Secure: settings.Secure,
	})
	if err != nil {
		logging.Logger.Error("Failed to initialize MinIO client", zap.String("error", err.Error()))
		return nil, err
	}

	logging.Logger.Info("MinIO client initialized",
		zap.String("endpoint", settings.Endpoint),
		zap.String("bucket", settings.Bucket),
	)

	return &MinioClient{
		Client:         client,
		CircuitBreaker: newCircuitBreaker(),
		Settings:       settings,
	}, nil
}

func newCircuitBreaker() *gobreaker.CircuitBreaker[any] {
	settings := gobreaker.Settings{
		Name:     "minio",
		Interval: time.Duration(config.Conf.MinioIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.Conf.MinioConsecutiveFailuresCB > 0 &&
				counts.ConsecutiveFailures >= config.Conf.MinioConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.MinioService)
			}
		},
	}

	return gobreaker.NewCircuitBreaker[any](settings)
}

// Upload stores data under objectKey (relative to the path prefix) and returns its URL.
func (m *MinioClient) Upload(ctx context.Context, data []byte, objectKey, contentType string) (string, error) {
	logging.Logger.Debug("[Upload] Starting MinIO upload",
		zap.String("object_key", objectKey),
		zap.Int("size", len(data)),
	)

	url, err := m.CircuitBreaker.Execute(func() (any, error) {
		return m.doUpload(ctx, data, objectKey, contentType)
	})
	if err != nil {
		return "", err
	}

	urlStr, ok := url.(string)
	if !ok {
		return "", ErrConvertToStringURL
	}

	return urlStr, nil
}

func (m *MinioClient) Download(ctx context.Context, objectKey string) ([]byte, error) {
	result, err := m.CircuitBreaker.Execute(func() (any, error) {
		return m.doDownload(ctx, objectKey)
	})
	if err != nil {
		return nil, err
	}

	data, ok := result.([]byte)
	if !ok {
		return nil, ErrConvertToBytes
	}

	return data, nil
}

// Ping checks that the bucket is reachable, bypassing the breaker.
func (m *MinioClient) Ping(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, m.Settings.Timeout)
	defer cancel()

	exists, err := m.Client.BucketExists(ctxWithTimeout, m.Settings.Bucket)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("bucket %q does not exist", m.Settings.Bucket)
	}

	return nil
}

func (m *MinioClient) doUpload(ctx context.Context, data []byte, objectKey, contentType string) (string, error) {
	timer := prometheus.NewTimer(prometheusMetrics.ArchiveOperationDuration.WithLabelValues("upload"))
	defer timer.ObserveDuration()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, m.Settings.Timeout)
	defer cancel()

	err := retry.Do(
		func() error {
			_, err := m.Client.PutObject(
				ctxWithTimeout,
				m.Settings.Bucket,
				m.getKey(objectKey),
				bytes.NewReader(data),
				int64(len(data)),
				minio.PutObjectOptions{ContentType: contentType},
			)
			if err != nil {
				logging.Logger.Warn("[doUpload] MinIO upload failed",
					zap.String("object_key", objectKey),
					zap.String("error", err.Error()),
				)

				return err
			}

			return nil
		},
		retry.RetryIf(func(error) bool { return ctxWithTimeout.Err() == nil }),
		retry.Attempts(m.Settings.RetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(m.Settings.BackoffMin),
		retry.MaxDelay(m.Settings.BackoffMax),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logging.Logger.Error("[doUpload] MinIO upload failed after all retry attempts",
			zap.String("object_key", objectKey),
			zap.String("error", err.Error()),
		)

		return "", err
	}

	return m.generateURL(objectKey), nil
}

func (m *MinioClient) doDownload(ctx context.Context, objectKey string) ([]byte, error) {
	timer := prometheus.NewTimer(prometheusMetrics.ArchiveOperationDuration.WithLabelValues("download"))
	defer timer.ObserveDuration()

	var data []byte

	ctxWithTimeout, cancel := context.WithTimeout(ctx, m.Settings.Timeout)
	defer cancel()

	err := retry.Do(
		func() error {
			object, err := m.Client.GetObject(
				ctxWithTimeout,
				m.Settings.Bucket,
				m.getKey(objectKey),
				minio.GetObjectOptions{},
			)
			if err != nil {
				return err
			}

			defer func() {
				cerr := object.Close()
				if cerr != nil {
					logging.Logger.Error("Failed to close MinIO object reader",
						zap.String("error", cerr.Error()),
						zap.String("object", objectKey),
					)
				}
			}()

			data, err = io.ReadAll(object)

			return err
		},
		retry.RetryIf(func(error) bool { return ctxWithTimeout.Err() == nil }),
		retry.Attempts(m.Settings.RetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(m.Settings.BackoffMin),
		retry.MaxDelay(m.Settings.BackoffMax),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logging.Logger.Error("[doDownload] MinIO download failed after all retry attempts",
			zap.String("object_key", objectKey),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	return data, nil
}

func (m *MinioClient) generateURL(objectKey string) string {
	return fmt.Sprintf("%s/%s/%s", m.Settings.Endpoint, m.Settings.Bucket, m.getKey(objectKey))
}

func (m *MinioClient) getKey(objectKey string) string {
	return path.Join(m.Settings.PathPrefix, objectKey)
}
