package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopfront/autopilot/internal/logging"
	prometheusMetrics "github.com/shopfront/autopilot/internal/prometheus"
	"go.uber.org/zap"
)

var (
	ErrMissingHandler    = errors.New("job handler missing")
	ErrHandlerPanicked   = errors.New("job handler panicked")
	ErrAttemptsExhausted = errors.New("job attempts exhausted")
	ErrLeaseTooShort     = errors.New("job handler timeout must be set and shorter than the lease")
)

// Store is the part of the job repository the dispatcher drives.
type Store interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Record, error)
	Complete(ctx context.Context, id string) error
	Skip(ctx context.Context, id, reason string) error
	Retry(ctx context.Context, id string, delay time.Duration, errMsg string) error
	Fail(ctx context.Context, id, errMsg string) error
}

// DeadLetterSink receives records that failed terminally, for human review.
type DeadLetterSink interface {
	MarkJob(ctx context.Context, record *Record, errMsg string) error
}

// Handlers has one field per Kind. Each handler receives its own payload type.
type Handlers struct {
	Send     func(ctx context.Context, record *Record, payload SendPayload) (Result, error)
	Draft    func(ctx context.Context, record *Record, payload DraftPayload) (Result, error)
	Autosend func(ctx context.Context, record *Record, payload AutosendPayload) (Result, error)
}

func (h Handlers) validate() error {
	if h.Send == nil {
		return fmt.Errorf("%w: %s", ErrMissingHandler, KindMessageSend)
	}

	if h.Draft == nil {
		return fmt.Errorf("%w: %s", ErrMissingHandler, KindAutopilotDraft)
	}

	if h.Autosend == nil {
		return fmt.Errorf("%w: %s", ErrMissingHandler, KindAutopilotAutosend)
	}

	return nil
}

type Settings struct {
	PollInterval   time.Duration
	BatchSize      int
	Lease          time.Duration
	HandlerTimeout time.Duration
	Backoff        Backoff
	// MaxAttempts caps attempts per kind. Zero or absent means unbounded.
	MaxAttempts map[Kind]int
}

type Dispatcher struct {
	Store      Store
	Handlers   Handlers
	Settings   Settings
	WorkerPool *ants.Pool
	DeadLetter DeadLetterSink
}

func NewDispatcher(
	store Store,
	handlers Handlers,
	settings Settings,
	workerPool *ants.Pool,
	deadLetter DeadLetterSink,
) (*Dispatcher, error) {
	err := handlers.validate()
	if err != nil {
		return nil, err
	}

	// A handler still running when its lease ends would be claimed twice.
	if settings.Lease > 0 && (settings.HandlerTimeout <= 0 || settings.HandlerTimeout >= settings.Lease) {
		return nil, fmt.Errorf("%w: timeout %s, lease %s", ErrLeaseTooShort, settings.HandlerTimeout, settings.Lease)
	}

	if settings.BatchSize < 1 {
		settings.BatchSize = 1
	}

	return &Dispatcher{
		Store:      store,
		Handlers:   handlers,
		Settings:   settings,
		WorkerPool: workerPool,
		DeadLetter: deadLetter,
	}, nil
}

func (dispatcher *Dispatcher) Run(ctx context.Context) {
	logging.Logger.Info("[Run] Starting job dispatcher",
		zap.Duration("poll_interval", dispatcher.Settings.PollInterval),
		zap.Int("batch_size", dispatcher.Settings.BatchSize),
	)

	ticker := time.NewTicker(dispatcher.Settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Logger.Info("[Run] Job dispatcher stopped")
			return
		case <-ticker.C:
			// A full batch means more work may be due; keep draining before waiting.
			for ctx.Err() == nil && dispatcher.DispatchOnce(ctx) == dispatcher.Settings.BatchSize {
			}
		}
	}
}

// DispatchOnce claims one batch, runs it on the worker pool and waits for it.
// It returns the number of records claimed.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	records, err := dispatcher.Store.Claim(ctx, dispatcher.Settings.BatchSize, dispatcher.Settings.Lease)
	if err != nil {
		logging.Logger.Error("[DispatchOnce] Failed to claim jobs", zap.String("error", err.Error()))
		return 0
	}

	if len(records) == 0 {
		return 0
	}

	logging.Logger.Debug("[DispatchOnce] Claimed jobs", zap.Int("count", len(records)))

	var wg sync.WaitGroup

	for idx := range records {
		record := records[idx]

		wg.Add(1)

		err := dispatcher.WorkerPool.Submit(func() {
			defer wg.Done()

			dispatcher.Process(ctx, &record)
		})
		if err != nil {
			wg.Done()
			logging.Logger.Error("[DispatchOnce] Failed to submit job to worker pool",
				zap.String("job_id", record.ID),
				zap.String("error", err.Error()),
			)
		}
	}

	wg.Wait()

	return len(records)
}

// Process runs the handler for record and settles it in the store.
func (dispatcher *Dispatcher) Process(ctx context.Context, record *Record) {
	if record.ProcessedAt != nil {
		logging.Logger.Warn("[Process] Job already processed, ignoring", zap.String("job_id", record.ID))
		return
	}

	timer := prometheus.NewTimer(prometheusMetrics.JobDispatchDuration.WithLabelValues(string(record.Kind)))

	result, err := dispatcher.invoke(ctx, record)

	duration := timer.ObserveDuration()
	logging.Logger.Debug("[Process] Job handler finished",
		zap.String("job_id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.Duration("duration", duration),
	)

	dispatcher.settle(ctx, record, result, err)
}

func (dispatcher *Dispatcher) invoke(ctx context.Context, record *Record) (result Result, err error) {
	handlerCtx := ctx
	if dispatcher.Settings.HandlerTimeout > 0 {
		var cancel context.CancelFunc

		handlerCtx, cancel = context.WithTimeout(ctx, dispatcher.Settings.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Logger.Error("[invoke] Panic in job handler",
				zap.String("job_id", record.ID),
				zap.String("kind", string(record.Kind)),
				zap.Any("recover", r),
			)

			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
	}()

	payload, err := DecodePayload(record.Kind, record.Payload)
	if err != nil {
		return Result{}, Permanent(err)
	}

	switch p := payload.(type) {
	case SendPayload:
		return dispatcher.Handlers.Send(handlerCtx, record, p)
	case DraftPayload:
		return dispatcher.Handlers.Draft(handlerCtx, record, p)
	case AutosendPayload:
		return dispatcher.Handlers.Autosend(handlerCtx, record, p)
	default:
		return Result{}, Permanent(fmt.Errorf("%w: %q", ErrUnknownKind, record.Kind))
	}
}

func (dispatcher *Dispatcher) settle(ctx context.Context, record *Record, result Result, handlerErr error) {
	// Settling must survive a handler that ran out its own deadline.
	ctx = context.WithoutCancel(ctx)

	var (
		outcome Outcome
		err     error
	)

	switch {
	case handlerErr != nil && IsPermanent(handlerErr):
		outcome = OutcomeFailed
		err = dispatcher.fail(ctx, record, handlerErr.Error())
	case handlerErr != nil:
		outcome, err = dispatcher.retry(ctx, record, 0, handlerErr.Error())
	case result.Outcome == OutcomeProcessed:
		outcome = OutcomeProcessed
		err = dispatcher.Store.Complete(ctx, record.ID)
	case result.Outcome == OutcomeSkipped:
		outcome = OutcomeSkipped
		err = dispatcher.Store.Skip(ctx, record.ID, result.Reason)
	case result.Outcome == OutcomeRetry:
		outcome, err = dispatcher.retry(ctx, record, result.Delay, result.Reason)
	default:
		outcome = OutcomeFailed
		err = dispatcher.fail(ctx, record, fmt.Sprintf("handler returned unknown outcome %q", result.Outcome))
	}

	prometheusMetrics.JobOutcomes.WithLabelValues(string(record.Kind), string(outcome)).Inc()

	if errors.Is(err, ErrAlreadyProcessed) {
		logging.Logger.Warn("[settle] Job settled by another worker",
			zap.String("job_id", record.ID),
			zap.String("outcome", string(outcome)),
		)

		return
	}

	if err != nil {
		// The lease runs out and the record is claimed again.
		logging.Logger.Error("[settle] Failed to settle job",
			zap.String("job_id", record.ID),
			zap.String("outcome", string(outcome)),
			zap.String("error", err.Error()),
		)

		return
	}

	logging.Logger.Info("[settle] Job settled",
		zap.String("job_id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.String("outcome", string(outcome)),
		zap.Int("attempt", record.Attempts+1),
	)
}

func (dispatcher *Dispatcher) retry(ctx context.Context, record *Record, delay time.Duration, reason string) (Outcome, error) {
	attempt := record.Attempts + 1

	maxAttempts := dispatcher.Settings.MaxAttempts[record.Kind]
	if maxAttempts > 0 && attempt >= maxAttempts {
		msg := fmt.Sprintf("%s after %d attempts: %s", ErrAttemptsExhausted, attempt, reason)

		return OutcomeFailed, dispatcher.fail(ctx, record, msg)
	}

	if delay <= 0 {
		delay = dispatcher.Settings.Backoff.Delay(attempt)
	}

	logging.Logger.Info("[retry] Rescheduling job",
		zap.String("job_id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)

	return OutcomeRetry, dispatcher.Store.Retry(ctx, record.ID, delay, reason)
}

func (dispatcher *Dispatcher) fail(ctx context.Context, record *Record, errMsg string) error {
	logging.Logger.Error("[fail] Job failed permanently",
		zap.String("job_id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.String("error", errMsg),
	)

	err := dispatcher.Store.Fail(ctx, record.ID, errMsg)
	if err != nil {
		return err
	}

	if dispatcher.DeadLetter == nil {
		return nil
	}

	dlErr := dispatcher.DeadLetter.MarkJob(ctx, record, truncate(errMsg))
	if dlErr != nil {
		logging.Logger.Error("[fail] Failed to dead-letter job",
			zap.String("job_id", record.ID),
			zap.String("error", dlErr.Error()),
		)
	}

	return nil
}
