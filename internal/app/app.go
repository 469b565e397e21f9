package app

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shopfront/autopilot/internal/archive"
	"github.com/shopfront/autopilot/internal/autopilot"
	"github.com/shopfront/autopilot/internal/booking"
	"github.com/shopfront/autopilot/internal/call"
	"github.com/shopfront/autopilot/internal/circuitbreak"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/contact"
	"github.com/shopfront/autopilot/internal/database"
	"github.com/shopfront/autopilot/internal/deadletter"
	"github.com/shopfront/autopilot/internal/delivery"
	"github.com/shopfront/autopilot/internal/generation"
	"github.com/shopfront/autopilot/internal/healthchecker"
	"github.com/shopfront/autopilot/internal/ingest"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/kafka"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/shopfront/autopilot/internal/messaging"
	"github.com/shopfront/autopilot/internal/minio"
	"github.com/shopfront/autopilot/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const inboundConsumerName = "inbound"

type App struct {
	DBConn               *gorm.DB
	KafkaConsumer        *kafka.Consumer
	KafkaProducer        *kafka.Producer
	WorkerPool           *ants.Pool
	Jobs                 *job.Repository
	Dispatcher           *job.Dispatcher
	Engine               *autopilot.Engine
	Delivery             *delivery.Service
	Resolver             *booking.Resolver
	InboundConsumer      *ingest.InboundConsumer
	DeadLetterService    *deadletter.DeadLetterService
	DeadLetterWorker     *deadletter.DeadLetterWorker
	HealthCheckerService *healthchecker.Healthchecker
}

func NewApp(ctxCancelFunc context.CancelFunc) (*App, error) {
	logging.Logger.Info("[NewApp] Initializing autopilot application...")

	circuitbreak.Init()

	healthcheckerService := healthchecker.NewService(ctxCancelFunc)

	dbConn, err := database.NewDatabase()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Database connection established")

	kafkaProducer, err := kafka.NewProducer()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create Kafka producer", zap.Error(err))
		return nil, err
	}

	kafkaConsumer, err := kafka.NewConsumer(config.Conf.KafkaInboundGroupID, inboundConsumerName)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create Kafka consumer", zap.Error(err))
		return nil, err
	}

	workerPool, err := ants.NewPool(config.Conf.PoolSize, ants.WithPreAlloc(true))
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create worker pool", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Worker pool created", zap.Int("pool_size", config.Conf.PoolSize))

	sender, err := newSender(kafkaProducer)
	if err != nil {
		return nil, err
	}

	calendar, err := booking.NewCalendar(config.Conf.BusinessTimezone, config.Conf.BusinessServiceDays)
	if err != nil {
		logging.Logger.Error("[NewApp] Invalid business calendar", zap.Error(err))
		return nil, err
	}

	jobs := job.NewRepository(dbConn)
	messages := messaging.NewMessageRepository(dbConn, jobs)
	bookings := booking.NewRepository(dbConn)

	engine := autopilot.NewEngine(
		messages,
		contact.NewContactRepository(dbConn),
		bookings,
		call.NewCallRepository(dbConn),
		autopilot.NewTwoStageComposer(generation.NewClient(generation.SettingsFromConfig())),
		nil,
		autopilot.ConfigPolicy{},
	)

	transcripts := newTranscriptArchive()
	if transcripts != nil {
		engine.Archive = transcripts
	}

	settings := DispatcherSettings()
	deliveryService := delivery.NewService(messages, sender, settings.MaxAttempts[job.KindMessageSend])

	deadletterService := deadletter.NewService(deadletter.NewRepository(dbConn), jobs)

	deadletterWorker, err := deadletter.NewWorker(
		deadletterService,
		config.Conf.DeadLetterPoolSize,
		time.Duration(config.Conf.DeadLetterReplayInterval)*time.Minute,
		config.Conf.DeadLetterReplayLimit,
	)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create dead letter worker", zap.Error(err))
		return nil, err
	}

	dispatcher, err := job.NewDispatcher(
		jobs,
		job.Handlers{
			Send:     deliveryService.HandleSendJob,
			Draft:    engine.HandleDraftJob,
			Autosend: engine.HandleAutosendJob,
		},
		settings,
		workerPool,
		deadletterService,
	)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create job dispatcher", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Application initialized")

	return &App{
		DBConn:               dbConn,
		KafkaConsumer:        kafkaConsumer,
		KafkaProducer:        kafkaProducer,
		WorkerPool:           workerPool,
		Jobs:                 jobs,
		Dispatcher:           dispatcher,
		Engine:               engine,
		Delivery:             deliveryService,
		Resolver:             booking.NewResolver(bookings, calendar, config.Conf.BookingCapacity),
		InboundConsumer:      ingest.NewInboundConsumer(jobs),
		DeadLetterService:    deadletterService,
		DeadLetterWorker:     deadletterWorker,
		HealthCheckerService: healthcheckerService,
	}, nil
}

// DispatcherSettings builds the dispatcher settings from the loaded config.
func DispatcherSettings() job.Settings {
	return job.Settings{
		PollInterval:   time.Duration(config.Conf.JobPollInterval) * time.Second,
		BatchSize:      config.Conf.JobBatchSize,
		Lease:          time.Duration(config.Conf.JobLease) * time.Second,
		HandlerTimeout: time.Duration(config.Conf.JobHandlerTimeout) * time.Second,
		Backoff: job.Backoff{
			Min: time.Duration(config.Conf.JobBackoffMin) * time.Second,
			Max: time.Duration(config.Conf.JobBackoffMax) * time.Second,
		},
		MaxAttempts: map[job.Kind]int{
			job.KindMessageSend:    config.Conf.JobSendMaxAttempts,
			job.KindAutopilotDraft: config.Conf.JobDraftMaxAttempt,
		},
	}
}

func newSender(kafkaProducer *kafka.Producer) (*transport.Router, error) {
	gateway, err := transport.NewGateway(transport.GatewaySettingsFromConfig())
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create message gateway", zap.Error(err))
		return nil, err
	}

	dm := transport.NewDMRelay(kafkaProducer, config.Conf.KafkaDMOutboundTopic)

	return transport.NewRouter(gateway, gateway, dm), nil
}

// newTranscriptArchive returns nil when MinIO is not configured; drafts are
// still produced without transcripts.
func newTranscriptArchive() *archive.TranscriptArchive {
	minioClient, err := minio.NewMinioClient(minio.SettingsFromConfig())
	if err != nil {
		logging.Logger.Warn("[NewApp] Transcript archive disabled", zap.String("error", err.Error()))
		return nil
	}

	return archive.NewTranscriptArchive(minioClient)
}
