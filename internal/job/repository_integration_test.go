package job

import (
	"context"
	"testing"
	"time"

	"github.com/shopfront/autopilot/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryLifecycle(t *testing.T) {
	db := testutil.StartPostgres(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	repository := NewRepository(db)
	repository.Now = func() time.Time { return clock }

	first, err := repository.Enqueue(ctx, SendPayload{MessageID: "m-1"}, time.Time{})
	require.NoError(t, err)

	clock = clock.Add(time.Second)

	second, err := repository.Enqueue(ctx, DraftPayload{InboundMessageID: "in-1"}, time.Time{})
	require.NoError(t, err)

	later, err := repository.Enqueue(ctx, SendPayload{MessageID: "m-2"}, clock.Add(time.Hour))
	require.NoError(t, err)

	claimed, err := repository.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)

	again, err := repository.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased records are not claimed twice")

	require.NoError(t, repository.Complete(ctx, first.ID))
	require.ErrorIs(t, repository.Complete(ctx, first.ID), ErrAlreadyProcessed)

	require.NoError(t, repository.Retry(ctx, second.ID, 5*time.Minute, "gateway timeout"))

	retried, err := repository.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, OutcomeRetry, retried.Outcome)
	assert.Nil(t, retried.LockedUntil)
	assert.True(t, retried.NextAttemptAt.Equal(clock.Add(5*time.Minute)))

	clock = clock.Add(2 * time.Hour)

	claimed, err = repository.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, second.ID, claimed[0].ID)
	assert.Equal(t, later.ID, claimed[1].ID)

	require.NoError(t, repository.Skip(ctx, second.ID, "draft superseded"))
	require.NoError(t, repository.Fail(ctx, later.ID, "no recipient"))

	done, err := repository.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, done.Outcome)
	assert.NotNil(t, done.ProcessedAt)

	pending, err := repository.CountPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepositoryLeaseExpires(t *testing.T) {
	db := testutil.StartPostgres(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	repository := NewRepository(db)
	repository.Now = func() time.Time { return clock }

	record, err := repository.Enqueue(ctx, AutosendPayload{DraftMessageID: "d-1"}, time.Time{})
	require.NoError(t, err)

	claimed, err := repository.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	pending, err := repository.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int64{KindAutopilotAutosend: 1}, pending)

	clock = clock.Add(2 * time.Minute)

	reclaimed, err := repository.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, record.ID, reclaimed[0].ID)
}
