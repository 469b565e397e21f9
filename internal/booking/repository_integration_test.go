package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopfront/autopilot/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentHoldsNeverExceedCapacity(t *testing.T) {
	db := testutil.StartPostgres(t)

	calendar, err := NewCalendar("UTC", "")
	require.NoError(t, err)

	resolver := NewResolver(NewRepository(db), calendar, 3)
	start := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			hold, decision, err := resolver.PlaceHold(context.Background(), Request{Start: start, DurationMinutes: 60}, 10*time.Minute)
			assert.NoError(t, err)

			if decision.Admitted {
				assert.NotNil(t, hold)

				mu.Lock()
				admitted++
				mu.Unlock()
			} else {
				assert.Equal(t, CodeSlotFull, decision.Code)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 3, admitted)

	decision, err := resolver.CheckBookingAdmission(context.Background(), Request{
		Start:           start.Add(time.Hour),
		DurationMinutes: 60,
	})
	require.NoError(t, err)
	assert.True(t, decision.Admitted, "a window that starts when the held ones end does not overlap")
}

func TestBookConvertsOwnHold(t *testing.T) {
	db := testutil.StartPostgres(t)
	ctx := context.Background()

	calendar, err := NewCalendar("UTC", "")
	require.NoError(t, err)

	repository := NewRepository(db)
	resolver := NewResolver(repository, calendar, 1)
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)
	req := Request{Start: start, DurationMinutes: 90, ContactID: "7b0c1c62-4c1e-4c53-9d55-2b7b0f4f2a10"}

	hold, decision, err := resolver.PlaceHold(ctx, req, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Admitted)

	_, decision, err = resolver.Book(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, CodeSlotFull, decision.Code, "someone else's hold blocks the slot")

	req.ExcludeHoldID = hold.ID

	appointment, decision, err := resolver.Book(ctx, req)
	require.NoError(t, err)
	require.True(t, decision.Admitted)
	require.NotNil(t, appointment)

	_, decision, err = resolver.Book(ctx, req)
	require.NoError(t, err)
	assert.False(t, decision.Admitted)

	upcoming, err := repository.HasUpcomingAppointment(ctx, req.ContactID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, upcoming)
}
