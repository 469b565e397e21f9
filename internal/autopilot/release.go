package autopilot

import (
	"context"
	"errors"

	"github.com/shopfront/autopilot/internal/logging"
	"github.com/shopfront/autopilot/internal/messaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HandleAutosend runs the release phase for a held draft. inboundID may be
// empty; the draft records which message it answers. The phase may run many
// times for one draft; once it releases or skips, later runs skip.
func (engine *Engine) HandleAutosend(ctx context.Context, draftID, inboundID string) (Verdict, error) {
	verdict, err := engine.release(ctx, draftID, inboundID)
	if err != nil {
		logging.Logger.Error("[HandleAutosend] Release phase failed",
			zap.String("draft_message_id", draftID),
			zap.String("error", err.Error()),
		)

		return Verdict{}, err
	}

	record(phaseRelease, verdict, draftID)

	return verdict, nil
}

func (engine *Engine) release(ctx context.Context, draftID, inboundID string) (Verdict, error) {
	policy, err := engine.Policies.Policy(ctx)
	if err != nil {
		return Verdict{}, err
	}

	if !policy.Enabled {
		return skip(GateDisabled, "autopilot is turned off"), nil
	}

	state, err := engine.loadReleaseState(ctx, policy, draftID, inboundID)
	if err != nil {
		return Verdict{}, err
	}

	if state == nil {
		return skip(GateDraftHeld, "draft not found"), nil
	}

	verdict := EvaluateRelease(state)

	switch verdict.Outcome {
	case OutcomeReleased:
		return engine.releaseDraft(ctx, state, verdict)
	case OutcomeGaveUp:
		err = engine.Messages.MarkNoAutosend(ctx, draftID)
		if err != nil {
			return Verdict{}, err
		}
	}

	return verdict, nil
}

// loadReleaseState reads everything the gates need. It returns nil when the
// draft no longer exists.
func (engine *Engine) loadReleaseState(ctx context.Context, policy Policy, draftID, inboundID string) (*ReleaseState, error) {
	draft, err := engine.Messages.GetMessage(ctx, draftID)
	if isNotFound(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if inboundID == "" && draft.Metadata.AutopilotForMessageID != nil {
		inboundID = *draft.Metadata.AutopilotForMessageID
	}

	state := &ReleaseState{
		Now:    engine.Now(),
		Policy: policy,
		Draft:  draft,
	}

	if inboundID != "" {
		state.Inbound, err = engine.Messages.GetMessage(ctx, inboundID)
		if isNotFound(err) {
			state.Inbound, err = nil, nil
		}

		if err != nil {
			return nil, err
		}
	}

	state.Thread, err = engine.Messages.GetThread(ctx, draft.ThreadID)
	if err != nil {
		return nil, err
	}

	state.Contact, err = engine.contactFor(ctx, state.Thread)
	if err != nil {
		return nil, err
	}

	since := state.ReferenceTime()
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		var err error
		state.LatestInbound, err = engine.Messages.LatestInbound(groupCtx, state.Thread.ID)

		return err
	})
	group.Go(func() error {
		var err error
		state.LastSentAutopilot, err = engine.Messages.LastSentAutopilot(groupCtx, state.Thread.ID)

		return err
	})
	group.Go(func() error {
		var err error
		state.LatestActivity, err = engine.Messages.LatestActivity(groupCtx, state.Thread)

		return err
	})
	group.Go(func() error {
		var err error
		state.HumanOutbound, err = engine.Messages.HasHumanOutboundSince(groupCtx, state.Thread, since)

		return err
	})

	if state.Contact != nil {
		contactID := state.Contact.ID

		if engine.Calls != nil {
			group.Go(func() error {
				var err error
				state.HumanCall, err = engine.Calls.HasConnectedCallSince(groupCtx, contactID, since)

				return err
			})
		}

		if engine.Appointments != nil {
			group.Go(func() error {
				var err error
				state.HasUpcomingAppointment, err = engine.Appointments.HasUpcomingAppointment(groupCtx, contactID, state.Now)

				return err
			})
		}
	}

	err = group.Wait()
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (engine *Engine) releaseDraft(ctx context.Context, state *ReleaseState, verdict Verdict) (Verdict, error) {
	delay := engine.Jitter(state.Policy.HumanizeDelayMin, state.Policy.HumanizeDelayMax)

	req := messaging.ReleaseRequest{
		DraftID: state.Draft.ID,
		SendAt:  state.Now.Add(delay),
	}

	if verdict.FallbackToSMS {
		req.Fallback = &messaging.SMSFallback{
			ContactID: state.Contact.ID,
			PhoneE164: state.FallbackPhone(),
		}
	}

	live, err := engine.Messages.Release(ctx, req)
	if errors.Is(err, messaging.ErrDraftNotHeld) {
		return skip(GateDraftHeld, "draft changed before release"), nil
	}

	if err != nil {
		return Verdict{}, err
	}

	verdict.MessageID = live.ID
	verdict.Delay = delay

	return verdict, nil
}
