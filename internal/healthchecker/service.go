package healthchecker

import (
	"context"
	"time"

	"github.com/shopfront/autopilot/internal/circuitbreak"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

const probeTimeout = 30 * time.Second

// CheckFunc probes one service and returns nil once it is usable again.
type CheckFunc func(ctx context.Context) error

type Healthchecker struct {
	CtxCancelFunc context.CancelFunc
	ErrorService  string
	Checks        map[string]CheckFunc
	Interval      time.Duration
}

func NewService(ctxCancelFunc context.CancelFunc) *Healthchecker {
	interval := time.Duration(config.Conf.HealthCheckerMonitorInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	return &Healthchecker{
		CtxCancelFunc: ctxCancelFunc,
		Checks:        DefaultChecks(),
		Interval:      interval,
	}
}

func DefaultChecks() map[string]CheckFunc {
	return map[string]CheckFunc{
		circuitbreak.DBService:            CheckDB,
		circuitbreak.GenerationService:    CheckGeneration,
		circuitbreak.GatewayService:       CheckGateway,
		circuitbreak.MinioService:         CheckMinio,
		circuitbreak.KafkaProducerService: CheckKafkaProducer,
	}
}

func (h *Healthchecker) TriggerError(service string) {
	logging.Logger.Error("service error happened", zap.String("service", service))
	h.ErrorService = service
	h.CtxCancelFunc()
}

// Monitor waits for the first open breaker and cancels the app context.
// It returns early when ctx ends for another reason.
func (h *Healthchecker) Monitor(ctx context.Context) {
	logging.Logger.Info("health checker monitor start successfully")

	select {
	case serviceName := <-circuitbreak.CircuitBreakChan:
		logging.Logger.Info("circuit break happened", zap.String("service", serviceName))
		h.TriggerError(serviceName)
	case <-ctx.Done():
	}
}

// Check blocks until the failed service answers its probe again. It returns
// at once when no service has failed.
func (h *Healthchecker) Check() {
	if h.ErrorService == "" {
		logging.Logger.Info("no failed service to wait for")
		return
	}

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		<-ticker.C

		ok := h.checkErrorService()
		if ok {
			h.ErrorService = ""
			return
		}
	}
}

func (h *Healthchecker) checkErrorService() bool {
	check, ok := h.Checks[h.ErrorService]
	if !ok {
		logging.Logger.Warn("Unknown service in checkErrorService", zap.String("service", h.ErrorService))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err := check(ctx)
	if err != nil {
		logging.Logger.Warn(h.ErrorService+" service still unhealthy", zap.String("error", err.Error()))
		return false
	}

	logging.Logger.Info(h.ErrorService + " service back healthy")

	return true
}
