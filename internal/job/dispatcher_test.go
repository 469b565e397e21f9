package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	now     time.Time
	records map[string]*Record
	order   []string
}

func newMemoryStore(now time.Time) *memoryStore {
	return &memoryStore{now: now, records: map[string]*Record{}}
}

func (s *memoryStore) add(t *testing.T, payload Payload) *Record {
	t.Helper()

	record, err := NewRecord(payload, time.Time{}, s.now)
	require.NoError(t, err)

	s.put(record)

	return record
}

func (s *memoryStore) put(record *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.ID] = record
	s.order = append(s.order, record.ID)
}

func (s *memoryStore) get(id string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.records[id]
}

func (s *memoryStore) Claim(_ context.Context, limit int, lease time.Duration) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []Record

	for _, id := range s.order {
		record := s.records[id]
		if record.ProcessedAt != nil || record.NextAttemptAt.After(s.now) {
			continue
		}

		if record.LockedUntil != nil && record.LockedUntil.After(s.now) {
			continue
		}

		until := s.now.Add(lease)
		record.LockedUntil = &until
		claimed = append(claimed, *record)

		if len(claimed) == limit {
			break
		}
	}

	return claimed, nil
}

func (s *memoryStore) settle(id string, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.records[id]
	if record.ProcessedAt != nil {
		return ErrAlreadyProcessed
	}

	now := s.now
	record.Attempts++
	record.ProcessedAt = &now
	record.LockedUntil = nil
	mutate(record)

	return nil
}

func (s *memoryStore) Complete(_ context.Context, id string) error {
	return s.settle(id, func(r *Record) { r.Outcome = OutcomeProcessed })
}

func (s *memoryStore) Skip(_ context.Context, id, reason string) error {
	return s.settle(id, func(r *Record) {
		r.Outcome = OutcomeSkipped
		r.Note = &reason
	})
}

func (s *memoryStore) Fail(_ context.Context, id, errMsg string) error {
	return s.settle(id, func(r *Record) {
		r.Outcome = OutcomeFailed
		r.LastError = &errMsg
	})
}

func (s *memoryStore) Retry(_ context.Context, id string, delay time.Duration, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.records[id]
	if record.ProcessedAt != nil {
		return ErrAlreadyProcessed
	}

	record.Attempts++
	record.NextAttemptAt = s.now.Add(delay)
	record.LockedUntil = nil
	record.LastError = &errMsg
	record.Outcome = OutcomeRetry

	return nil
}

type memoryDeadLetters struct {
	mu     sync.Mutex
	marked map[string]string
}

func (d *memoryDeadLetters) MarkJob(_ context.Context, record *Record, errMsg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.marked == nil {
		d.marked = map[string]string{}
	}

	d.marked[record.ID] = errMsg

	return nil
}

type dispatcherFixture struct {
	store      *memoryStore
	deadLetter *memoryDeadLetters
	dispatcher *Dispatcher
	sendCalls  atomic.Int32
}

func newDispatcherFixture(t *testing.T, send func(SendPayload) (Result, error), settings Settings) *dispatcherFixture {
	t.Helper()

	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	fx := &dispatcherFixture{
		store:      newMemoryStore(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)),
		deadLetter: &memoryDeadLetters{},
	}

	handlers := Handlers{
		Send: func(_ context.Context, _ *Record, payload SendPayload) (Result, error) {
			fx.sendCalls.Add(1)
			return send(payload)
		},
		Draft: func(context.Context, *Record, DraftPayload) (Result, error) {
			return Processed(), nil
		},
		Autosend: func(context.Context, *Record, AutosendPayload) (Result, error) {
			return Skipped("superseded"), nil
		},
	}

	if settings.BatchSize == 0 {
		settings.BatchSize = 10
	}

	fx.dispatcher, err = NewDispatcher(fx.store, handlers, settings, pool, fx.deadLetter)
	require.NoError(t, err)

	return fx
}

func processedOK(SendPayload) (Result, error) {
	return Processed(), nil
}

func TestNewDispatcherRequiresEveryHandler(t *testing.T) {
	_, err := NewDispatcher(newMemoryStore(time.Now()), Handlers{
		Send: func(context.Context, *Record, SendPayload) (Result, error) { return Processed(), nil },
	}, Settings{}, nil, nil)

	require.ErrorIs(t, err, ErrMissingHandler)
	assert.Contains(t, err.Error(), string(KindAutopilotDraft))
}

func TestNewDispatcherRejectsTimeoutOutlivingLease(t *testing.T) {
	handlers := Handlers{
		Send:     func(context.Context, *Record, SendPayload) (Result, error) { return Processed(), nil },
		Draft:    func(context.Context, *Record, DraftPayload) (Result, error) { return Processed(), nil },
		Autosend: func(context.Context, *Record, AutosendPayload) (Result, error) { return Processed(), nil },
	}

	tests := []struct {
		name     string
		settings Settings
		wantErr  bool
	}{
		{name: "timeout equals lease", settings: Settings{Lease: time.Minute, HandlerTimeout: time.Minute}, wantErr: true},
		{name: "timeout above lease", settings: Settings{Lease: time.Minute, HandlerTimeout: 2 * time.Minute}, wantErr: true},
		{name: "no timeout with a lease", settings: Settings{Lease: time.Minute}, wantErr: true},
		{name: "timeout under lease", settings: Settings{Lease: 2 * time.Minute, HandlerTimeout: 90 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDispatcher(newMemoryStore(time.Now()), handlers, tt.settings, nil, nil)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrLeaseTooShort)
				return
			}

			require.NoError(t, err)
		})
	}
}

func TestDispatchProcessedRecordIsNeverReinvoked(t *testing.T) {
	fx := newDispatcherFixture(t, processedOK, Settings{})
	record := fx.store.add(t, SendPayload{MessageID: "m-1"})

	assert.Equal(t, 1, fx.dispatcher.DispatchOnce(context.Background()))
	assert.Equal(t, 0, fx.dispatcher.DispatchOnce(context.Background()))

	stored := fx.store.get(record.ID)
	fx.dispatcher.Process(context.Background(), &stored)

	assert.Equal(t, int32(1), fx.sendCalls.Load())
	assert.Equal(t, OutcomeProcessed, stored.Outcome)
	assert.Equal(t, 1, stored.Attempts)
}

func TestDispatchRoutesEachKindToItsHandler(t *testing.T) {
	fx := newDispatcherFixture(t, processedOK, Settings{})
	send := fx.store.add(t, SendPayload{MessageID: "m-1"})
	draft := fx.store.add(t, DraftPayload{InboundMessageID: "in-1"})
	autosend := fx.store.add(t, AutosendPayload{DraftMessageID: "d-1", InboundMessageID: "in-1"})

	assert.Equal(t, 3, fx.dispatcher.DispatchOnce(context.Background()))

	assert.Equal(t, OutcomeProcessed, fx.store.get(send.ID).Outcome)
	assert.Equal(t, OutcomeProcessed, fx.store.get(draft.ID).Outcome)

	skipped := fx.store.get(autosend.ID)
	assert.Equal(t, OutcomeSkipped, skipped.Outcome)
	require.NotNil(t, skipped.Note)
	assert.Equal(t, "superseded", *skipped.Note)
	assert.NotNil(t, skipped.ProcessedAt)
}

func TestDispatchUnknownKindFailsImmediately(t *testing.T) {
	fx := newDispatcherFixture(t, processedOK, Settings{})

	record, err := NewRecord(SendPayload{MessageID: "m-1"}, time.Time{}, fx.store.now)
	require.NoError(t, err)

	record.Kind = "invoice.remind"
	fx.store.put(record)

	fx.dispatcher.DispatchOnce(context.Background())

	stored := fx.store.get(record.ID)
	assert.Equal(t, OutcomeFailed, stored.Outcome)
	assert.NotNil(t, stored.ProcessedAt)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "invoice.remind")
	assert.Contains(t, fx.deadLetter.marked, record.ID)
	assert.Equal(t, int32(0), fx.sendCalls.Load())
}

func TestDispatchTransientErrorRetriesWithBackoff(t *testing.T) {
	backoff := Backoff{Min: 10 * time.Second, Max: time.Minute}
	fx := newDispatcherFixture(t, func(SendPayload) (Result, error) {
		return Result{}, errors.New("gateway timeout")
	}, Settings{Backoff: backoff})
	record := fx.store.add(t, SendPayload{MessageID: "m-1"})

	fx.dispatcher.DispatchOnce(context.Background())

	stored := fx.store.get(record.ID)
	assert.Nil(t, stored.ProcessedAt)
	assert.Equal(t, OutcomeRetry, stored.Outcome)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, fx.store.now.Add(10*time.Second), stored.NextAttemptAt)
	assert.Nil(t, stored.LockedUntil)
	assert.Empty(t, fx.deadLetter.marked)
}

func TestDispatchHandlerDelayOverridesBackoff(t *testing.T) {
	fx := newDispatcherFixture(t, func(SendPayload) (Result, error) {
		return RetryAfter(7*time.Minute, "recent activity"), nil
	}, Settings{Backoff: Backoff{Min: time.Second, Max: time.Minute}})
	record := fx.store.add(t, SendPayload{MessageID: "m-1"})

	fx.dispatcher.DispatchOnce(context.Background())

	stored := fx.store.get(record.ID)
	assert.Equal(t, fx.store.now.Add(7*time.Minute), stored.NextAttemptAt)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "recent activity", *stored.LastError)
}

func TestDispatchPermanentErrorFailsAndDeadLetters(t *testing.T) {
	fx := newDispatcherFixture(t, func(SendPayload) (Result, error) {
		return Result{}, Permanent(errors.New("invalid recipient"))
	}, Settings{})
	record := fx.store.add(t, SendPayload{MessageID: "m-1"})

	fx.dispatcher.DispatchOnce(context.Background())

	stored := fx.store.get(record.ID)
	assert.Equal(t, OutcomeFailed, stored.Outcome)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, "invalid recipient", fx.deadLetter.marked[record.ID])
}

func TestDispatchMaxAttemptsExhausted(t *testing.T) {
	fx := newDispatcherFixture(t, func(SendPayload) (Result, error) {
		return Result{}, errors.New("still down")
	}, Settings{MaxAttempts: map[Kind]int{KindMessageSend: 3}})

	record, err := NewRecord(SendPayload{MessageID: "m-1"}, time.Time{}, fx.store.now)
	require.NoError(t, err)

	record.Attempts = 2
	fx.store.put(record)

	fx.dispatcher.DispatchOnce(context.Background())

	stored := fx.store.get(record.ID)
	assert.Equal(t, OutcomeFailed, stored.Outcome)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, ErrAttemptsExhausted.Error())
	assert.Contains(t, fx.deadLetter.marked, record.ID)
}

func TestDispatchPanicIsRetried(t *testing.T) {
	fx := newDispatcherFixture(t, func(SendPayload) (Result, error) {
		panic("nil transport")
	}, Settings{Backoff: Backoff{Min: time.Second}})
	record := fx.store.add(t, SendPayload{MessageID: "m-1"})

	fx.dispatcher.DispatchOnce(context.Background())

	stored := fx.store.get(record.ID)
	assert.Equal(t, OutcomeRetry, stored.Outcome)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "nil transport")
}

func TestDispatchSkipsFutureRecords(t *testing.T) {
	fx := newDispatcherFixture(t, processedOK, Settings{})

	record, err := NewRecord(SendPayload{MessageID: "m-1"}, fx.store.now.Add(15*time.Minute), fx.store.now)
	require.NoError(t, err)
	fx.store.put(record)

	assert.Equal(t, 0, fx.dispatcher.DispatchOnce(context.Background()))
	assert.Equal(t, int32(0), fx.sendCalls.Load())
}
