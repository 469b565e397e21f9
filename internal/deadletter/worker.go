package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

type DeadLetterWorker struct {
	WorkerPool *ants.Pool
	DLService  *DeadLetterService
	Interval   time.Duration
	Limit      int
}

func NewWorker(dlService *DeadLetterService, poolSize int, interval time.Duration, limit int) (*DeadLetterWorker, error) {
	workerPool, err := ants.NewPool(poolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &DeadLetterWorker{
		WorkerPool: workerPool,
		DLService:  dlService,
		Interval:   interval,
		Limit:      limit,
	}, nil
}

func (dlWorker *DeadLetterWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(dlWorker.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dlWorker.ReplayDue(ctx)
		}
	}
}

// ReplayDue replays one batch of flagged letters and waits for it. It returns
// the number of letters submitted.
func (dlWorker *DeadLetterWorker) ReplayDue(ctx context.Context) int {
	letters, err := dlWorker.DLService.DLRepository.ListByStatus(ctx, StatusReplay, dlWorker.Limit)
	if err != nil {
		return 0
	}

	if len(letters) == 0 {
		logging.Logger.Debug("[ReplayDue] No dead letters flagged for replay")
		return 0
	}

	logging.Logger.Info("[ReplayDue] Replaying dead letters", zap.Int("count", len(letters)))

	var (
		wg        sync.WaitGroup
		submitted int
	)

	for idx := range letters {
		letter := letters[idx]

		wg.Add(1)

		err := dlWorker.WorkerPool.Submit(func() {
			defer wg.Done()
			dlWorker.DLService.ProcessDeadLetter(ctx, &letter)
		})
		if err != nil {
			wg.Done()
			logging.Logger.Error("[ReplayDue] Failed to submit to dead letter pool",
				zap.String("job_id", letter.JobID),
				zap.String("error", err.Error()),
			)

			continue
		}

		submitted++
	}

	wg.Wait()

	return submitted
}

func (dlWorker *DeadLetterWorker) Release() {
	dlWorker.WorkerPool.Release()
}
