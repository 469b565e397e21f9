package autopilot

import (
	"testing"
	"time"

	"github.com/shopfront/autopilot/internal/messaging"
	"github.com/stretchr/testify/assert"
)

func TestInQuietHours(t *testing.T) {
	at := func(hour, minute int) time.Time {
		return time.Date(2026, 3, 2, hour, minute, 0, 0, chicago)
	}

	tests := []struct {
		name       string
		start, end int
		t          time.Time
		want       bool
	}{
		{name: "wrapping window late evening", start: 21, end: 8, t: at(22, 30), want: true},
		{name: "wrapping window early morning", start: 21, end: 8, t: at(7, 59), want: true},
		{name: "wrapping window end is open", start: 21, end: 8, t: at(8, 0), want: false},
		{name: "wrapping window midday", start: 21, end: 8, t: at(12, 0), want: false},
		{name: "same day window", start: 12, end: 13, t: at(12, 30), want: true},
		{name: "same day window outside", start: 12, end: 13, t: at(13, 0), want: false},
		{name: "disabled", start: 0, end: 0, t: at(3, 0), want: false},
		{name: "evaluated in business timezone", start: 21, end: 8, t: time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := Policy{QuietHoursStart: tt.start, QuietHoursEnd: tt.end, Location: chicago}
			assert.Equal(t, tt.want, policy.InQuietHours(tt.t))
		})
	}
}

func TestQuietHoursEndAfter(t *testing.T) {
	policy := Policy{QuietHoursStart: 21, QuietHoursEnd: 8, Location: chicago}

	assert.Equal(t,
		time.Date(2026, 3, 3, 8, 0, 0, 0, chicago),
		policy.QuietHoursEndAfter(time.Date(2026, 3, 2, 22, 0, 0, 0, chicago)),
	)
	assert.Equal(t,
		time.Date(2026, 3, 2, 8, 0, 0, 0, chicago),
		policy.QuietHoursEndAfter(time.Date(2026, 3, 2, 6, 15, 0, 0, chicago)),
	)
}

func TestParseChannels(t *testing.T) {
	channels := ParseChannels(" SMS, dm ,fax,")

	assert.Equal(t, map[messaging.Channel]bool{messaging.ChannelSMS: true, messaging.ChannelDM: true}, channels)
	assert.Empty(t, ParseChannels(""))
}

func TestMaxChars(t *testing.T) {
	policy := testPolicy()

	assert.Equal(t, 320, policy.MaxChars(messaging.ChannelSMS))
	assert.Equal(t, 320, policy.MaxChars(messaging.ChannelDM))
	assert.Equal(t, 1600, policy.MaxChars(messaging.ChannelEmail))
}
