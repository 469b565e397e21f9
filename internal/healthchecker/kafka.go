package healthchecker

import (
	"context"

	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/kafka"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

// CheckKafkaProducer refreshes metadata for the dm relay topic. It never
// publishes, since that topic reaches customers.
func CheckKafkaProducer(_ context.Context) error {
	err := kafka.Ping(config.Conf.KafkaDMOutboundTopic)
	if err != nil {
		logging.Logger.Info("kafka metadata refresh failed", zap.String("error", err.Error()))
	}

	return err
}
