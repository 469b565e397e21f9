package autopilot

import (
	"context"
	"testing"
	"time"

	"github.com/shopfront/autopilot/internal/contact"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	leadPhone = "+15551234567"
	replyText = "Thanks for reaching out! We can come by this week. What is the address?"
)

var chicago = mustLocation("America/Chicago")

// inboundAt is a Monday morning in the business timezone.
var inboundAt = time.Date(2026, 3, 2, 10, 0, 0, 0, chicago)

func mustLocation(name string) *time.Location {
	location, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}

	return location
}

func testPolicy() Policy {
	return Policy{
		Enabled:              true,
		AutoSendAfter:        15 * time.Minute,
		RecentActivityWindow: 14 * time.Minute,
		HumanizeDelayMin:     20 * time.Second,
		HumanizeDelayMax:     60 * time.Second,
		DMMinSilence:         5 * time.Minute,
		DMFallbackAfter:      2 * time.Hour,
		QuietHoursStart:      21,
		QuietHoursEnd:        8,
		Location:             chicago,
		MaxAutosendAge:       24 * time.Hour,
		HistoryLimit:         20,
		SMSMaxChars:          320,
		EmailMaxChars:        1600,
		MaxOpenItems:         2,
		AutosendChannels:     ParseChannels("sms,dm"),
		PlanModel:            "planner",
		WriteModel:           "writer",
		PromptVersion:        "v3",
	}
}

type harness struct {
	clock    time.Time
	messages *memoryMessages
	flags    *fixedFlags
	composer *fixedComposer
	archive  *memoryArchive
	policy   *staticPolicy
	engine   *Engine
	lead     *contact.Contact
	thread   *messaging.Thread
	inbound  *messaging.Message
}

func newHarness(t *testing.T, channel messaging.Channel) *harness {
	t.Helper()

	h := &harness{
		clock:    inboundAt,
		flags:    &fixedFlags{},
		composer: &fixedComposer{configured: true, reply: replyText},
		archive:  &memoryArchive{},
		policy:   &staticPolicy{policy: testPolicy()},
	}
	h.messages = newMemoryMessages(func() time.Time { return h.clock })

	phone := leadPhone
	h.lead = &contact.Contact{ID: "lead-1", PhoneE164: &phone, PipelineStage: contact.StageNew}

	address := phone
	if channel == messaging.ChannelDM {
		address = "ig:customer-1"
	}

	if channel == messaging.ChannelEmail {
		address = "customer@example.com"
	}

	h.thread = &messaging.Thread{ID: "thread-1", Channel: channel, ContactID: &h.lead.ID, ExternalAddress: &address}
	h.messages.addThread(h.thread)

	h.inbound = h.messages.addMessage(&messaging.Message{
		ThreadID:       h.thread.ID,
		Direction:      messaging.DirectionInbound,
		Channel:        channel,
		Body:           "Hi, can you fix my water heater this week?",
		FromAddress:    &address,
		DeliveryStatus: messaging.DeliveryStatusReceived,
		CreatedAt:      inboundAt,
	})

	h.engine = NewEngine(h.messages, memoryContacts{h.lead.ID: h.lead}, h.flags, h.flags, h.composer, h.archive, h.policy)
	h.engine.Now = func() time.Time { return h.clock }
	h.engine.Jitter = func(time.Duration, time.Duration) time.Duration { return 30 * time.Second }

	return h
}

func (h *harness) draft(t *testing.T) messaging.Message {
	t.Helper()

	verdict, err := h.engine.HandleInboundMessage(context.Background(), h.inbound.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeDrafted, verdict.Outcome)

	return h.messages.get(verdict.MessageID)
}

func (h *harness) autosend(t *testing.T, draftID string, at time.Time) Verdict {
	t.Helper()

	h.clock = at

	verdict, err := h.engine.HandleAutosend(context.Background(), draftID, h.inbound.ID)
	require.NoError(t, err)

	return verdict
}

func TestQuietConversationIsReleasedAfterDelay(t *testing.T) {
	h := newHarness(t, messaging.ChannelSMS)

	draft := h.draft(t)
	assert.True(t, draft.Metadata.Draft)
	assert.False(t, draft.Metadata.NoAutosend)
	assert.Equal(t, messaging.DeliveryStatusDraft, draft.DeliveryStatus)
	assert.Equal(t, h.inbound.ID, *draft.Metadata.AutopilotForMessageID)
	assert.Equal(t, leadPhone, *draft.ToAddress)
	assert.Equal(t, replyText, draft.Body)
	assert.Equal(t, inboundAt.Add(15*time.Minute), h.messages.autosendAt[draft.ID])

	verdict := h.autosend(t, draft.ID, inboundAt.Add(15*time.Minute))
	assert.Equal(t, OutcomeReleased, verdict.Outcome)
	assert.Equal(t, draft.ID, verdict.MessageID)

	released := h.messages.get(draft.ID)
	assert.False(t, released.Metadata.Draft)
	assert.Equal(t, messaging.DeliveryStatusQueued, released.DeliveryStatus)

	require.Len(t, h.messages.releases, 1)
	assert.Equal(t, inboundAt.Add(15*time.Minute+30*time.Second), h.messages.releases[0].SendAt)
	assert.Nil(t, h.messages.releases[0].Fallback)
}

func TestHumanReplySkipsReleaseOnEveryRetry(t *testing.T) {
	h := newHarness(t, messaging.ChannelSMS)
	draft := h.draft(t)

	agent := "user-1"
	h.messages.addMessage(&messaging.Message{
		ThreadID:       h.thread.ID,
		Direction:      messaging.DirectionOutbound,
		Channel:        messaging.ChannelSMS,
		Body:           "Hey, this is Sam, calling you in a minute",
		AuthorUserID:   &agent,
		DeliveryStatus: messaging.DeliveryStatusSent,
		CreatedAt:      inboundAt.Add(5 * time.Minute),
	})

	for _, at := range []time.Duration{15 * time.Minute, 40 * time.Minute, 6 * time.Hour} {
		verdict := h.autosend(t, draft.ID, inboundAt.Add(at))
		assert.Equal(t, OutcomeSkipped, verdict.Outcome)
		assert.Equal(t, GateHumanTouch, verdict.Gate)
	}

	assert.True(t, h.messages.get(draft.ID).Metadata.Draft)
	assert.Empty(t, h.messages.releases)
}

func TestDraftPhaseWritesOneDraftPerInbound(t *testing.T) {
	h := newHarness(t, messaging.ChannelSMS)
	first := h.draft(t)

	verdict, err := h.engine.HandleInboundMessage(context.Background(), h.inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, verdict.Outcome)
	assert.Equal(t, GateDuplicateDraft, verdict.Gate)
	assert.Contains(t, verdict.Reason, first.ID)
	assert.Equal(t, 1, h.composer.calls)
	require.Len(t, h.archive.transcripts, 1)
	assert.Equal(t, first.ID, h.archive.transcripts[0].DraftMessageID)
}

func TestConcurrentDraftIsSkippedAsDuplicate(t *testing.T) {
	h := newHarness(t, messaging.ChannelSMS)

	composer := &racingComposer{
		fixedComposer: fixedComposer{configured: true, reply: replyText},
		messages:      h.messages,
		inbound:       h.inbound,
	}
	h.engine.Composer = composer

	verdict, err := h.engine.HandleInboundMessage(context.Background(), h.inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, verdict.Outcome)
	assert.Equal(t, GateDuplicateDraft, verdict.Gate)
	assert.Empty(t, h.archive.transcripts)
	assert.Empty(t, h.messages.autosendAt)

	replies := h.messages.find(func(message *messaging.Message) bool {
		forID := message.Metadata.AutopilotForMessageID

		return forID != nil && *forID == h.inbound.ID
	})
	require.Len(t, replies, 1)
	assert.Equal(t, "rival reply", replies[0].Body)
}

func TestDraftPhaseNoOps(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		gate  string
	}{
		{
			name:  "autopilot disabled",
			setup: func(h *harness) { h.policy.policy.Enabled = false },
			gate:  GateDisabled,
		},
		{
			name:  "composer not configured",
			setup: func(h *harness) { h.composer.configured = false },
			gate:  GateComposer,
		},
		{
			name: "unsupported channel",
			setup: func(h *harness) {
				h.messages.threads[h.thread.ID].Channel = messaging.Channel("fax")
			},
			gate: GateChannel,
		},
		{
			name: "no reply address",
			setup: func(h *harness) {
				h.messages.threads[h.thread.ID].ExternalAddress = nil
				h.messages.messages[h.inbound.ID].FromAddress = nil
				h.lead.PhoneE164 = nil
			},
			gate: GateReplyAddress,
		},
		{
			name:  "reply empty after cleanup",
			setup: func(h *harness) { h.composer.reply = "https://example.com/book" },
			gate:  GateEmptyReply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, messaging.ChannelSMS)
			tt.setup(h)

			verdict, err := h.engine.HandleInboundMessage(context.Background(), h.inbound.ID)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, verdict.Outcome)
			assert.Equal(t, tt.gate, verdict.Gate)

			result, err := verdict.JobResult()
			require.NoError(t, err)
			assert.Equal(t, job.OutcomeSkipped, result.Outcome)

			reply, err := h.messages.FindAutopilotReply(context.Background(), h.inbound.ID)
			require.NoError(t, err)
			assert.Nil(t, reply)
		})
	}
}

func TestDraftHeldForHumanWhenNotAutosendable(t *testing.T) {
	tests := []struct {
		name        string
		channel     messaging.Channel
		missingInfo []string
	}{
		{name: "too many open items", channel: messaging.ChannelSMS, missingInfo: []string{"address", "unit model", "photo"}},
		{name: "channel without autosend", channel: messaging.ChannelEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.channel)
			h.composer.missingInfo = tt.missingInfo

			draft := h.draft(t)
			assert.True(t, draft.Metadata.Draft)
			assert.True(t, draft.Metadata.NoAutosend)
			assert.NotContains(t, h.messages.autosendAt, draft.ID)
			assert.False(t, h.archive.transcripts[0].Autosend)
		})
	}
}

func TestDraftIsSanitizedAndAddressedPerChannel(t *testing.T) {
	h := newHarness(t, messaging.ChannelEmail)

	subject := "Water heater"
	h.messages.messages[h.inbound.ID].Subject = &subject
	h.composer.reply = "Sure — we can help!\nDetails at https://example.com/services\n\nNext steps:\n- [ ] Send your address"

	draft := h.draft(t)
	assert.Equal(t, "Sure, we can help!\nDetails at", draft.Body)
	assert.Equal(t, "Re: Water heater", *draft.Subject)
	assert.Equal(t, "customer@example.com", *draft.ToAddress)
	assert.Equal(t, "writer", *draft.Metadata.Model)
	assert.Equal(t, "v3", *draft.Metadata.PromptVersion)

	transcript := h.archive.transcripts[0]
	assert.Equal(t, h.composer.reply, transcript.RawReply)
	assert.Equal(t, draft.Body, transcript.Reply)
}

func TestDraftRecordsPhoneFromDM(t *testing.T) {
	h := newHarness(t, messaging.ChannelDM)
	h.messages.messages[h.inbound.ID].Body = "Text me at (312) 555-0188 please"

	draft := h.draft(t)
	require.NotNil(t, draft.Metadata.ExtractedPhoneE164)
	assert.Equal(t, "+13125550188", *draft.Metadata.ExtractedPhoneE164)
	assert.Equal(t, "ig:customer-1", *draft.ToAddress)
}

func TestSecondReleaseSkips(t *testing.T) {
	h := newHarness(t, messaging.ChannelSMS)
	draft := h.draft(t)

	first := h.autosend(t, draft.ID, inboundAt.Add(15*time.Minute))
	require.Equal(t, OutcomeReleased, first.Outcome)

	second := h.autosend(t, draft.ID, inboundAt.Add(16*time.Minute))
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.Equal(t, GateDraftHeld, second.Gate)
	assert.Len(t, h.messages.releases, 1)
}

func TestReleaseFindsInboundFromDraft(t *testing.T) {
	h := newHarness(t, messaging.ChannelSMS)
	draft := h.draft(t)

	h.clock = inboundAt.Add(15 * time.Minute)

	result, err := h.engine.HandleAutosendJob(context.Background(), &job.Record{}, job.AutosendPayload{DraftMessageID: draft.ID})
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeProcessed, result.Outcome)
}

func TestActivityElsewhereDefersRelease(t *testing.T) {
	h := newHarness(t, messaging.ChannelSMS)
	draft := h.draft(t)

	email := "customer@example.com"
	other := &messaging.Thread{ID: "thread-2", Channel: messaging.ChannelEmail, ContactID: &h.lead.ID, ExternalAddress: &email}
	h.messages.addThread(other)
	h.messages.addMessage(&messaging.Message{
		ThreadID:       other.ID,
		Direction:      messaging.DirectionInbound,
		Channel:        messaging.ChannelEmail,
		Body:           "Sending photos of the unit",
		DeliveryStatus: messaging.DeliveryStatusReceived,
		CreatedAt:      inboundAt.Add(10 * time.Minute),
	})

	verdict := h.autosend(t, draft.ID, inboundAt.Add(15*time.Minute))
	assert.Equal(t, OutcomeDeferred, verdict.Outcome)
	assert.Equal(t, GateRecentActivity, verdict.Gate)
	assert.Equal(t, 9*time.Minute, verdict.Delay)

	result, err := verdict.JobResult()
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeRetry, result.Outcome)
	assert.Equal(t, 9*time.Minute, result.Delay)

	verdict = h.autosend(t, draft.ID, inboundAt.Add(24*time.Minute))
	assert.Equal(t, OutcomeReleased, verdict.Outcome)
}

func TestExpiredDraftGivesUp(t *testing.T) {
	h := newHarness(t, messaging.ChannelSMS)
	draft := h.draft(t)

	verdict := h.autosend(t, draft.ID, inboundAt.Add(25*time.Hour))
	assert.Equal(t, OutcomeGaveUp, verdict.Outcome)
	assert.Equal(t, GateMaxAge, verdict.Gate)
	assert.True(t, h.messages.get(draft.ID).Metadata.NoAutosend)

	_, err := verdict.JobResult()
	require.ErrorIs(t, err, ErrAutosendExpired)
	assert.True(t, job.IsPermanent(err))

	again := h.autosend(t, draft.ID, inboundAt.Add(26*time.Hour))
	assert.Equal(t, GateDraftHeld, again.Gate)
}

func TestDMFallsBackToSMS(t *testing.T) {
	h := newHarness(t, messaging.ChannelDM)
	draft := h.draft(t)

	verdict := h.autosend(t, draft.ID, inboundAt.Add(2*time.Hour))
	require.Equal(t, OutcomeReleased, verdict.Outcome)
	assert.True(t, verdict.FallbackToSMS)

	require.Len(t, h.messages.releases, 1)
	fallback := h.messages.releases[0].Fallback
	require.NotNil(t, fallback)
	assert.Equal(t, h.lead.ID, fallback.ContactID)
	assert.Equal(t, leadPhone, fallback.PhoneE164)

	held := h.messages.get(draft.ID)
	assert.True(t, held.Metadata.Draft)
	assert.True(t, held.Metadata.NoAutosend)

	sms := h.messages.get(verdict.MessageID)
	assert.Equal(t, messaging.ChannelSMS, sms.Channel)
	assert.Equal(t, draft.ID, *sms.Metadata.FallbackFromMessageID)
	assert.Equal(t, draft.Body, sms.Body)
}

func TestDMReleasedInPlaceBeforeFallback(t *testing.T) {
	h := newHarness(t, messaging.ChannelDM)
	draft := h.draft(t)

	verdict := h.autosend(t, draft.ID, inboundAt.Add(15*time.Minute))
	require.Equal(t, OutcomeReleased, verdict.Outcome)
	assert.False(t, verdict.FallbackToSMS)
	assert.Equal(t, draft.ID, verdict.MessageID)
	assert.Equal(t, messaging.ChannelDM, h.messages.get(draft.ID).Channel)
}
