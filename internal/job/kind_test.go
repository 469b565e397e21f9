package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, kind := range Kinds() {
		parsed, err := ParseKind(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseKind("message.delete")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodePayload(t *testing.T) {
	payload, err := DecodePayload(KindAutopilotAutosend, []byte(`{"draft_message_id":"d-1","inbound_message_id":"in-1"}`))
	require.NoError(t, err)
	assert.Equal(t, AutosendPayload{DraftMessageID: "d-1", InboundMessageID: "in-1"}, payload)

	_, err = DecodePayload(KindMessageSend, []byte(`{"message_id":`))
	require.ErrorIs(t, err, ErrBadPayload)

	_, err = DecodePayload("sms.blast", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestNewRecordClampsPastEligibility(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	past, err := NewRecord(DraftPayload{InboundMessageID: "in-1"}, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, now, past.NextAttemptAt)
	assert.Equal(t, KindAutopilotDraft, past.Kind)
	assert.JSONEq(t, `{"inbound_message_id":"in-1"}`, string(past.Payload))

	future, err := NewRecord(DraftPayload{InboundMessageID: "in-1"}, now.Add(15*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), future.NextAttemptAt)
	assert.NotEqual(t, past.ID, future.ID)
}

func TestBackoffDelay(t *testing.T) {
	backoff := Backoff{Min: 10 * time.Second, Max: 90 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 10 * time.Second},
		{attempt: 1, want: 10 * time.Second},
		{attempt: 2, want: 20 * time.Second},
		{attempt: 4, want: 80 * time.Second},
		{attempt: 5, want: 90 * time.Second},
		{attempt: 400, want: 90 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffDelayWithoutMaxStaysPositive(t *testing.T) {
	backoff := Backoff{Min: 10 * time.Second}

	assert.Equal(t, 20*time.Second, backoff.Delay(2))

	for _, attempt := range []int{20, 64, 200, 10_000} {
		delay := backoff.Delay(attempt)
		assert.Positive(t, delay, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, maxBackoffCeiling, "attempt %d", attempt)
	}

	assert.Equal(t, maxBackoffCeiling, backoff.Delay(10_000))
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(assert.AnError))

	err := Permanent(assert.AnError)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, assert.AnError)
}
