package circuitbreak

import (
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

var CircuitBreakChan chan string

const (
	DBService            = "database"
	GenerationService    = "generation"
	GatewayService       = "gateway"
	MinioService         = "minio"
	KafkaProducerService = "kafka_producer"
)

func Init() {
	CircuitBreakChan = make(chan string, 1)
}

// TriggerError reports an open breaker to the health checker. Only the first
// report of an app generation is kept; later ones are dropped.
func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Warn("circuit break reported before app init", zap.String("service", service))

		return
	}

	select {
	case CircuitBreakChan <- service:
	default:
		logging.Logger.Warn("circuit break already reported, dropping", zap.String("service", service))
	}
}
