package autopilot

import (
	"testing"
	"time"

	"github.com/shopfront/autopilot/internal/contact"
	"github.com/shopfront/autopilot/internal/messaging"
	"github.com/stretchr/testify/assert"
)

func baseState() *ReleaseState {
	phone := leadPhone
	forID := "inbound-1"

	inbound := &messaging.Message{
		ID:        forID,
		ThreadID:  "thread-1",
		Direction: messaging.DirectionInbound,
		Channel:   messaging.ChannelSMS,
		Body:      "Can you come Tuesday?",
		CreatedAt: inboundAt,
	}

	activity := inboundAt

	return &ReleaseState{
		Now:    inboundAt.Add(15 * time.Minute),
		Policy: testPolicy(),
		Draft: &messaging.Message{
			ID:             "draft-1",
			ThreadID:       "thread-1",
			Direction:      messaging.DirectionOutbound,
			Channel:        messaging.ChannelSMS,
			Body:           replyText,
			DeliveryStatus: messaging.DeliveryStatusDraft,
			Metadata:       messaging.Metadata{Draft: true, Autopilot: true, AutopilotForMessageID: &forID},
			CreatedAt:      inboundAt,
		},
		Inbound:        inbound,
		Thread:         &messaging.Thread{ID: "thread-1", Channel: messaging.ChannelSMS},
		Contact:        &contact.Contact{ID: "lead-1", PhoneE164: &phone, PipelineStage: contact.StageNew},
		LatestInbound:  inbound,
		LatestActivity: &activity,
	}
}

func TestEvaluateRelease(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(state *ReleaseState)
		outcome  Outcome
		gate     string
		delay    time.Duration
		fallback bool
	}{
		{
			name:    "quiet conversation releases",
			modify:  func(*ReleaseState) {},
			outcome: OutcomeReleased,
		},
		{
			name:    "draft already released",
			modify:  func(s *ReleaseState) { s.Draft.Metadata.Draft = false },
			outcome: OutcomeSkipped,
			gate:    GateDraftHeld,
		},
		{
			name:    "draft flagged for a human",
			modify:  func(s *ReleaseState) { s.Draft.Metadata.NoAutosend = true },
			outcome: OutcomeSkipped,
			gate:    GateDraftHeld,
		},
		{
			name:    "held past the age limit",
			modify:  func(s *ReleaseState) { s.Now = inboundAt.Add(25 * time.Hour) },
			outcome: OutcomeGaveUp,
			gate:    GateMaxAge,
		},
		{
			name: "newer inbound on the thread",
			modify: func(s *ReleaseState) {
				s.LatestInbound = &messaging.Message{ID: "inbound-2", CreatedAt: inboundAt.Add(2 * time.Minute)}
			},
			outcome: OutcomeSkipped,
			gate:    GateSuperseded,
		},
		{
			name:    "lead moved past new",
			modify:  func(s *ReleaseState) { s.Contact.PipelineStage = "quoted" },
			outcome: OutcomeSkipped,
			gate:    GateAlreadyHandled,
		},
		{
			name:    "appointment already booked",
			modify:  func(s *ReleaseState) { s.HasUpcomingAppointment = true },
			outcome: OutcomeSkipped,
			gate:    GateAlreadyHandled,
		},
		{
			name:    "team member replied",
			modify:  func(s *ReleaseState) { s.HumanOutbound = true },
			outcome: OutcomeSkipped,
			gate:    GateHumanTouch,
		},
		{
			name:    "team member called",
			modify:  func(s *ReleaseState) { s.HumanCall = true },
			outcome: OutcomeSkipped,
			gate:    GateHumanTouch,
		},
		{
			name: "same text already sent",
			modify: func(s *ReleaseState) {
				s.LastSentAutopilot = &messaging.Message{ID: "sent-1", Body: "thanks for reaching out.. we can come by this week; what is the ADDRESS"}
			},
			outcome: OutcomeSkipped,
			gate:    GateDuplicateContent,
		},
		{
			name: "different text already sent",
			modify: func(s *ReleaseState) {
				s.LastSentAutopilot = &messaging.Message{ID: "sent-1", Body: "We are booked this week, sorry."}
			},
			outcome: OutcomeReleased,
		},
		{
			name: "quiet hours",
			modify: func(s *ReleaseState) {
				s.Now = time.Date(2026, 3, 2, 22, 30, 0, 0, chicago)
			},
			outcome: OutcomeDeferred,
			gate:    GateQuietHours,
			delay:   9*time.Hour + 30*time.Minute,
		},
		{
			name: "lead reassigned after the draft",
			modify: func(s *ReleaseState) {
				assignedAt := inboundAt.Add(10 * time.Minute)
				s.Contact.AssignedAt = &assignedAt
			},
			outcome: OutcomeDeferred,
			gate:    GateAssignment,
			delay:   10 * time.Minute,
		},
		{
			name: "lead assigned before the draft",
			modify: func(s *ReleaseState) {
				assignedAt := inboundAt.Add(-time.Hour)
				s.Contact.AssignedAt = &assignedAt
			},
			outcome: OutcomeReleased,
		},
		{
			name: "recent activity",
			modify: func(s *ReleaseState) {
				activity := inboundAt.Add(10 * time.Minute)
				s.LatestActivity = &activity
			},
			outcome: OutcomeDeferred,
			gate:    GateRecentActivity,
			delay:   9 * time.Minute,
		},
		{
			name: "dm before minimum silence",
			modify: func(s *ReleaseState) {
				s.Draft.Channel = messaging.ChannelDM
				s.Policy.DMMinSilence = 20 * time.Minute
			},
			outcome: OutcomeDeferred,
			gate:    GateDMSilence,
			delay:   5 * time.Minute,
		},
		{
			name: "dm after fallback window",
			modify: func(s *ReleaseState) {
				s.Draft.Channel = messaging.ChannelDM
				s.Now = inboundAt.Add(2 * time.Hour)
			},
			outcome:  OutcomeReleased,
			fallback: true,
		},
		{
			name: "dm after fallback window without a phone",
			modify: func(s *ReleaseState) {
				s.Draft.Channel = messaging.ChannelDM
				s.Contact.PhoneE164 = nil
				s.Now = inboundAt.Add(2 * time.Hour)
			},
			outcome: OutcomeReleased,
		},
		{
			name: "stale draft a team member answered is skipped",
			modify: func(s *ReleaseState) {
				s.HumanOutbound = true
				s.Now = inboundAt.Add(25 * time.Hour)
			},
			outcome: OutcomeSkipped,
			gate:    GateHumanTouch,
		},
		{
			name: "stale superseded draft is skipped",
			modify: func(s *ReleaseState) {
				s.LatestInbound = &messaging.Message{ID: "inbound-2", CreatedAt: inboundAt.Add(2 * time.Minute)}
				s.Now = inboundAt.Add(25 * time.Hour)
			},
			outcome: OutcomeSkipped,
			gate:    GateSuperseded,
		},
		{
			name: "stale draft for a booked contact is skipped",
			modify: func(s *ReleaseState) {
				s.HasUpcomingAppointment = true
				s.Now = inboundAt.Add(25 * time.Hour)
			},
			outcome: OutcomeSkipped,
			gate:    GateAlreadyHandled,
		},
		{
			name: "missing inbound row, newer inbound after the draft",
			modify: func(s *ReleaseState) {
				s.Inbound = nil
				s.LatestInbound = &messaging.Message{ID: "inbound-2", CreatedAt: inboundAt.Add(time.Minute)}
			},
			outcome: OutcomeSkipped,
			gate:    GateSuperseded,
		},
		{
			name: "missing inbound row, nothing newer than the draft",
			modify: func(s *ReleaseState) {
				s.Inbound = nil
				s.LatestInbound = &messaging.Message{ID: "inbound-0", CreatedAt: inboundAt.Add(-time.Minute)}
			},
			outcome: OutcomeReleased,
		},
		{
			name: "human touch wins over quiet hours",
			modify: func(s *ReleaseState) {
				s.HumanOutbound = true
				s.Now = time.Date(2026, 3, 2, 23, 0, 0, 0, chicago)
			},
			outcome: OutcomeSkipped,
			gate:    GateHumanTouch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := baseState()
			tt.modify(state)

			verdict := EvaluateRelease(state)
			assert.Equal(t, tt.outcome, verdict.Outcome)
			assert.Equal(t, tt.gate, verdict.Gate)
			assert.Equal(t, tt.delay, verdict.Delay)
			assert.Equal(t, tt.fallback, verdict.FallbackToSMS)
		})
	}
}

func TestFallbackPhonePrefersContact(t *testing.T) {
	state := baseState()
	extracted := "+13125550188"
	state.Draft.Metadata.ExtractedPhoneE164 = &extracted

	assert.Equal(t, leadPhone, state.FallbackPhone())

	state.Contact.PhoneE164 = nil
	assert.Equal(t, extracted, state.FallbackPhone())
}

func TestReferenceTimeFallsBackToDraft(t *testing.T) {
	state := baseState()
	state.Inbound = nil
	state.Draft.CreatedAt = inboundAt.Add(time.Minute)

	assert.Equal(t, inboundAt.Add(time.Minute), state.ReferenceTime())
}
