package autopilot

import (
	"fmt"
	"time"

	"github.com/shopfront/autopilot/internal/contact"
	"github.com/shopfront/autopilot/internal/messaging"
)

const (
	GateDisabled         = "disabled"
	GateDraftHeld        = "draft_held"
	GateMaxAge           = "max_age"
	GateSuperseded       = "superseded"
	GateAlreadyHandled   = "already_handled"
	GateHumanTouch       = "human_touch"
	GateDuplicateContent = "duplicate_content"
	GateQuietHours       = "quiet_hours"
	GateAssignment       = "assignment_change"
	GateRecentActivity   = "recent_activity"
	GateDMSilence        = "dm_silence"
)

// ReleaseState is everything the release gates look at, read once per run.
type ReleaseState struct {
	Now    time.Time
	Policy Policy

	Draft   *messaging.Message
	Inbound *messaging.Message
	Thread  *messaging.Thread
	// Contact is nil for threads not linked to a lead.
	Contact *contact.Contact

	LatestInbound          *messaging.Message
	LastSentAutopilot      *messaging.Message
	LatestActivity         *time.Time
	HasUpcomingAppointment bool
	HumanOutbound          bool
	HumanCall              bool
}

// gate returns a verdict to stop on, or ok=false to let the next gate run.
type gate struct {
	name  string
	check func(state *ReleaseState) (Verdict, bool)
}

var releaseGates = []gate{
	{GateDraftHeld, checkDraftHeld},
	{GateSuperseded, checkSuperseded},
	{GateAlreadyHandled, checkAlreadyHandled},
	{GateHumanTouch, checkHumanTouch},
	// Only drafts nothing else has settled are given up on.
	{GateMaxAge, checkMaxAge},
	{GateDuplicateContent, checkDuplicateContent},
	{GateQuietHours, checkQuietHours},
	{GateAssignment, checkAssignment},
	{GateRecentActivity, checkRecentActivity},
	{GateDMSilence, checkDMSilence},
}

// EvaluateRelease runs the release gates in order. It reads nothing but
// state, so the same state always yields the same verdict.
func EvaluateRelease(state *ReleaseState) Verdict {
	for _, g := range releaseGates {
		if verdict, stop := g.check(state); stop {
			return verdict
		}
	}

	return Verdict{
		Outcome:       OutcomeReleased,
		FallbackToSMS: state.fallbackToSMS(),
	}
}

// ReferenceTime is the instant human activity is measured from.
func (state *ReleaseState) ReferenceTime() time.Time {
	if state.Inbound != nil {
		return state.Inbound.CreatedAt
	}

	return state.Draft.CreatedAt
}

// FallbackPhone is the number a DM release may move to: the contact's phone,
// else one the customer wrote in the conversation.
func (state *ReleaseState) FallbackPhone() string {
	if state.Contact != nil && state.Contact.PhoneE164 != nil && *state.Contact.PhoneE164 != "" {
		return *state.Contact.PhoneE164
	}

	if phone := state.Draft.Metadata.ExtractedPhoneE164; phone != nil {
		return *phone
	}

	return ""
}

func (state *ReleaseState) fallbackToSMS() bool {
	if state.Draft.Channel != messaging.ChannelDM || state.Contact == nil || state.FallbackPhone() == "" {
		return false
	}

	return state.Policy.DMFallbackAfter > 0 && state.Now.Sub(state.ReferenceTime()) >= state.Policy.DMFallbackAfter
}

func checkDraftHeld(state *ReleaseState) (Verdict, bool) {
	draft := state.Draft
	if !draft.Metadata.Draft || draft.Metadata.NoAutosend || draft.DeliveryStatus != messaging.DeliveryStatusDraft {
		return skip(GateDraftHeld, "draft is no longer held for autosend"), true
	}

	return Verdict{}, false
}

func checkMaxAge(state *ReleaseState) (Verdict, bool) {
	limit := state.Policy.MaxAutosendAge
	if limit <= 0 {
		return Verdict{}, false
	}

	age := state.Now.Sub(state.Draft.CreatedAt)
	if age > limit {
		return giveUp(GateMaxAge, fmt.Sprintf("draft held for %s, limit %s", age.Round(time.Minute), limit)), true
	}

	return Verdict{}, false
}

// checkSuperseded compares against the reference time, so a draft whose
// inbound row is gone is still superseded by anything written after it.
func checkSuperseded(state *ReleaseState) (Verdict, bool) {
	latest := state.LatestInbound
	if latest == nil || (state.Inbound != nil && latest.ID == state.Inbound.ID) {
		return Verdict{}, false
	}

	if latest.CreatedAt.After(state.ReferenceTime()) {
		return skip(GateSuperseded, "a newer inbound message arrived"), true
	}

	return Verdict{}, false
}

func checkAlreadyHandled(state *ReleaseState) (Verdict, bool) {
	if state.Contact != nil && state.Contact.PipelineStage != contact.StageNew {
		return skip(GateAlreadyHandled, "contact moved to stage "+state.Contact.PipelineStage), true
	}

	if state.HasUpcomingAppointment {
		return skip(GateAlreadyHandled, "contact already has an appointment"), true
	}

	return Verdict{}, false
}

func checkHumanTouch(state *ReleaseState) (Verdict, bool) {
	switch {
	case state.HumanOutbound:
		return skip(GateHumanTouch, "a team member replied"), true
	case state.HumanCall:
		return skip(GateHumanTouch, "a team member called"), true
	default:
		return Verdict{}, false
	}
}

func checkDuplicateContent(state *ReleaseState) (Verdict, bool) {
	last := state.LastSentAutopilot
	if last == nil || last.ID == state.Draft.ID {
		return Verdict{}, false
	}

	if normalizeForCompare(last.Body) == normalizeForCompare(state.Draft.Body) {
		return skip(GateDuplicateContent, "same text was sent as message "+last.ID), true
	}

	return Verdict{}, false
}

func checkQuietHours(state *ReleaseState) (Verdict, bool) {
	if !state.Policy.InQuietHours(state.Now) {
		return Verdict{}, false
	}

	until := state.Policy.QuietHoursEndAfter(state.Now)

	return deferFor(GateQuietHours, until.Sub(state.Now), "quiet hours until "+until.Format(time.Kitchen)), true
}

// checkAssignment restarts the autosend wait when the lead was handed to
// someone after the draft was queued.
func checkAssignment(state *ReleaseState) (Verdict, bool) {
	if state.Contact == nil || state.Contact.AssignedAt == nil {
		return Verdict{}, false
	}

	assignedAt := *state.Contact.AssignedAt
	if !assignedAt.After(state.Draft.CreatedAt) {
		return Verdict{}, false
	}

	due := assignedAt.Add(state.Policy.AutoSendAfter)
	if state.Now.Before(due) {
		return deferFor(GateAssignment, due.Sub(state.Now), "lead reassigned"), true
	}

	return Verdict{}, false
}

func checkRecentActivity(state *ReleaseState) (Verdict, bool) {
	if state.LatestActivity == nil || state.Policy.RecentActivityWindow <= 0 {
		return Verdict{}, false
	}

	quietAt := state.LatestActivity.Add(state.Policy.RecentActivityWindow)
	if state.Now.Before(quietAt) {
		return deferFor(GateRecentActivity, quietAt.Sub(state.Now), "conversation is active"), true
	}

	return Verdict{}, false
}

// checkDMSilence waits for the customer to stop writing before a DM goes
// out. A release that falls back to SMS does not wait.
func checkDMSilence(state *ReleaseState) (Verdict, bool) {
	if state.Draft.Channel != messaging.ChannelDM || state.fallbackToSMS() {
		return Verdict{}, false
	}

	last := state.LatestInbound
	if last == nil {
		last = state.Inbound
	}

	if last == nil || state.Policy.DMMinSilence <= 0 {
		return Verdict{}, false
	}

	silentAt := last.CreatedAt.Add(state.Policy.DMMinSilence)
	if state.Now.Before(silentAt) {
		return deferFor(GateDMSilence, silentAt.Sub(state.Now), "customer wrote recently"), true
	}

	return Verdict{}, false
}
