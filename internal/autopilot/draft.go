package autopilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopfront/autopilot/internal/contact"
	"github.com/shopfront/autopilot/internal/generation"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/shopfront/autopilot/internal/messaging"
	"go.uber.org/zap"
)

const (
	GateComposer       = "composer"
	GateMissingMessage = "missing_message"
	GateChannel        = "channel"
	GateDuplicateDraft = "duplicate_draft"
	GateReplyAddress   = "reply_address"
	GateEmptyReply     = "empty_reply"
)

// HandleInboundMessage runs the draft phase for one inbound message. At most
// one draft is written per inbound message; reruns after a draft exists skip.
func (engine *Engine) HandleInboundMessage(ctx context.Context, inboundID string) (Verdict, error) {
	verdict, err := engine.draft(ctx, inboundID)
	if err != nil {
		logging.Logger.Error("[HandleInboundMessage] Draft phase failed",
			zap.String("inbound_message_id", inboundID),
			zap.String("error", err.Error()),
		)

		return Verdict{}, err
	}

	record(phaseDraft, verdict, inboundID)

	return verdict, nil
}

func (engine *Engine) draft(ctx context.Context, inboundID string) (Verdict, error) {
	policy, err := engine.Policies.Policy(ctx)
	if err != nil {
		return Verdict{}, err
	}

	if !policy.Enabled {
		return skip(GateDisabled, "autopilot is turned off"), nil
	}

	if engine.Composer == nil || !engine.Composer.Configured() {
		return skip(GateComposer, "composer is not configured"), nil
	}

	inbound, err := engine.Messages.GetMessage(ctx, inboundID)
	if isNotFound(err) {
		return skip(GateMissingMessage, "inbound message not found"), nil
	}

	if err != nil {
		return Verdict{}, err
	}

	if inbound.Direction != messaging.DirectionInbound {
		return skip(GateMissingMessage, "message is not inbound"), nil
	}

	thread, err := engine.Messages.GetThread(ctx, inbound.ThreadID)
	if err != nil {
		return Verdict{}, err
	}

	channel, ok := messaging.ParseChannel(string(thread.Channel))
	if !ok {
		return skip(GateChannel, fmt.Sprintf("no replies on channel %q", thread.Channel)), nil
	}

	existing, err := engine.Messages.FindAutopilotReply(ctx, inbound.ID)
	if err != nil {
		return Verdict{}, err
	}

	if existing != nil {
		return skip(GateDuplicateDraft, "draft "+existing.ID+" already answers this message"), nil
	}

	lead, err := engine.contactFor(ctx, thread)
	if err != nil {
		return Verdict{}, err
	}

	address := replyAddress(channel, thread, inbound, lead)
	if address == "" {
		return skip(GateReplyAddress, "no address to reply to"), nil
	}

	history, err := engine.Messages.ListRecent(ctx, thread.ID, policy.HistoryLimit)
	if err != nil {
		return Verdict{}, err
	}

	composition, err := engine.Composer.Compose(ctx, ComposeRequest{
		RequestID:     inbound.ID,
		Channel:       channel,
		ContactName:   contactName(lead),
		Inbound:       inbound,
		History:       history,
		MaxChars:      policy.MaxChars(channel),
		PlanModel:     policy.PlanModel,
		WriteModel:    policy.WriteModel,
		PromptVersion: policy.PromptVersion,
	})
	if errors.Is(err, generation.ErrNotConfigured) {
		return skip(GateComposer, "composer is not configured"), nil
	}

	if err != nil {
		return Verdict{}, err
	}

	body := Sanitize(composition.Reply, policy.MaxChars(channel))
	if body == "" {
		return skip(GateEmptyReply, "reply was empty after cleanup"), nil
	}

	autosend, holdReason := autosendEligible(policy, channel, composition.MissingInfo)

	draft := &messaging.Message{
		ThreadID:    thread.ID,
		Channel:     channel,
		Subject:     replySubject(channel, inbound),
		Body:        body,
		ToAddress:   &address,
		MissingInfo: composition.MissingInfo,
		Metadata: messaging.Metadata{
			AutopilotForMessageID: &inbound.ID,
			NoAutosend:            !autosend,
			ExtractedPhoneE164:    extractedPhone(inbound),
			Model:                 optional(composition.Model),
			PromptVersion:         optional(policy.PromptVersion),
		},
	}

	var autosendAt *time.Time

	if autosend {
		at := engine.Now().Add(policy.AutoSendAfter)
		autosendAt = &at
	}

	err = engine.Messages.CreateDraft(ctx, draft, autosendAt)
	if errors.Is(err, messaging.ErrDuplicateDraft) {
		return skip(GateDuplicateDraft, "another worker drafted a reply first"), nil
	}

	if err != nil {
		return Verdict{}, err
	}

	engine.archive(ctx, &Transcript{
		InboundMessageID: inbound.ID,
		DraftMessageID:   draft.ID,
		ThreadID:         thread.ID,
		Channel:          channel,
		PromptVersion:    policy.PromptVersion,
		RawReply:         composition.Reply,
		Reply:            body,
		MissingInfo:      composition.MissingInfo,
		Summary:          composition.Summary,
		Autosend:         autosend,
		Stages:           composition.Stages,
		CreatedAt:        draft.CreatedAt,
	})

	return Verdict{Outcome: OutcomeDrafted, Reason: holdReason, MessageID: draft.ID}, nil
}

// autosendEligible reports whether a fresh draft may be scheduled for
// release, and why not when it may not.
func autosendEligible(policy Policy, channel messaging.Channel, missingInfo []string) (bool, string) {
	if !policy.AutosendChannels[channel] {
		return false, "autosend is off for " + string(channel)
	}

	if len(missingInfo) > policy.MaxOpenItems {
		return false, fmt.Sprintf("%d open items need a human", len(missingInfo))
	}

	return true, ""
}

func (engine *Engine) archive(ctx context.Context, transcript *Transcript) {
	if engine.Archive == nil {
		return
	}

	err := engine.Archive.StoreTranscript(ctx, transcript)
	if err != nil {
		logging.Logger.Warn("[archive] Failed to archive transcript",
			zap.String("draft_message_id", transcript.DraftMessageID),
			zap.String("error", err.Error()),
		)
	}
}

func replyAddress(channel messaging.Channel, thread *messaging.Thread, inbound *messaging.Message, lead *contact.Contact) string {
	candidates := []*string{inbound.FromAddress, thread.ExternalAddress}

	switch channel {
	case messaging.ChannelDM:
		candidates = []*string{thread.ExternalAddress, inbound.FromAddress}
	case messaging.ChannelSMS:
		if lead != nil {
			candidates = append(candidates, lead.PhoneE164)
		}
	case messaging.ChannelEmail:
		if lead != nil {
			candidates = append(candidates, lead.Email)
		}
	}

	for _, candidate := range candidates {
		if candidate != nil && strings.TrimSpace(*candidate) != "" {
			return strings.TrimSpace(*candidate)
		}
	}

	return ""
}

func replySubject(channel messaging.Channel, inbound *messaging.Message) *string {
	if channel != messaging.ChannelEmail {
		return nil
	}

	subject := "Re: your inquiry"

	if inbound.Subject != nil && strings.TrimSpace(*inbound.Subject) != "" {
		subject = strings.TrimSpace(*inbound.Subject)
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}

	return &subject
}

func extractedPhone(inbound *messaging.Message) *string {
	if inbound.Metadata.ExtractedPhoneE164 != nil {
		return inbound.Metadata.ExtractedPhoneE164
	}

	return optional(ExtractPhoneE164(inbound.Body))
}

func contactName(lead *contact.Contact) string {
	if lead == nil || lead.Name == nil {
		return ""
	}

	return *lead.Name
}

func optional(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
