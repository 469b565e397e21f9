package autopilot

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/shopfront/autopilot/internal/contact"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/shopfront/autopilot/internal/messaging"
	prometheusMetrics "github.com/shopfront/autopilot/internal/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	phaseDraft   = "draft"
	phaseRelease = "release"
)

type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*messaging.Message, error)
	GetThread(ctx context.Context, id string) (*messaging.Thread, error)
	FindAutopilotReply(ctx context.Context, inboundID string) (*messaging.Message, error)
	ListRecent(ctx context.Context, threadID string, limit int) ([]messaging.Message, error)
	LatestInbound(ctx context.Context, threadID string) (*messaging.Message, error)
	LastSentAutopilot(ctx context.Context, threadID string) (*messaging.Message, error)
	HasHumanOutboundSince(ctx context.Context, thread *messaging.Thread, since time.Time) (bool, error)
	LatestActivity(ctx context.Context, thread *messaging.Thread) (*time.Time, error)
	MarkNoAutosend(ctx context.Context, id string) error
	CreateDraft(ctx context.Context, draft *messaging.Message, autosendAt *time.Time) error
	Release(ctx context.Context, req messaging.ReleaseRequest) (*messaging.Message, error)
}

type ContactStore interface {
	GetContact(ctx context.Context, id string) (*contact.Contact, error)
}

type AppointmentChecker interface {
	HasUpcomingAppointment(ctx context.Context, contactID string, now time.Time) (bool, error)
}

type CallLog interface {
	HasConnectedCallSince(ctx context.Context, contactID string, since time.Time) (bool, error)
}

// Archive keeps composer transcripts for later review. Failures never block a draft.
type Archive interface {
	StoreTranscript(ctx context.Context, transcript *Transcript) error
}

// Transcript records how a draft was produced.
type Transcript struct {
	InboundMessageID string            `json:"inbound_message_id"`
	DraftMessageID   string            `json:"draft_message_id"`
	ThreadID         string            `json:"thread_id"`
	Channel          messaging.Channel `json:"channel"`
	PromptVersion    string            `json:"prompt_version"`
	RawReply         string            `json:"raw_reply"`
	Reply            string            `json:"reply"`
	MissingInfo      []string          `json:"missing_info"`
	Summary          string            `json:"summary"`
	Autosend         bool              `json:"autosend"`
	Stages           []StageTranscript `json:"stages"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Engine decides whether to draft a reply to an inbound message and whether
// a held draft may go out on its own. Jitter picks the humanizing delay
// before a released message is delivered.
type Engine struct {
	Messages     MessageStore
	Contacts     ContactStore
	Appointments AppointmentChecker
	Calls        CallLog
	Composer     Composer
	Archive      Archive
	Policies     PolicySource
	Now          func() time.Time
	Jitter       func(minDelay, maxDelay time.Duration) time.Duration
}

func NewEngine(
	messages MessageStore,
	contacts ContactStore,
	appointments AppointmentChecker,
	calls CallLog,
	composer Composer,
	archive Archive,
	policies PolicySource,
) *Engine {
	return &Engine{
		Messages:     messages,
		Contacts:     contacts,
		Appointments: appointments,
		Calls:        calls,
		Composer:     composer,
		Archive:      archive,
		Policies:     policies,
		Now:          func() time.Time { return time.Now().UTC() },
		Jitter:       uniformJitter,
	}
}

func uniformJitter(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return max(minDelay, 0)
	}

	return minDelay + rand.N(maxDelay-minDelay+1)
}

// HandleDraftJob adapts the draft phase to the dispatcher.
func (engine *Engine) HandleDraftJob(ctx context.Context, _ *job.Record, payload job.DraftPayload) (job.Result, error) {
	verdict, err := engine.HandleInboundMessage(ctx, payload.InboundMessageID)
	if err != nil {
		return job.Result{}, err
	}

	return verdict.JobResult()
}

// HandleAutosendJob adapts the release phase to the dispatcher.
func (engine *Engine) HandleAutosendJob(ctx context.Context, _ *job.Record, payload job.AutosendPayload) (job.Result, error) {
	verdict, err := engine.HandleAutosend(ctx, payload.DraftMessageID, payload.InboundMessageID)
	if err != nil {
		return job.Result{}, err
	}

	return verdict.JobResult()
}

func (engine *Engine) contactFor(ctx context.Context, thread *messaging.Thread) (*contact.Contact, error) {
	if thread.ContactID == nil || engine.Contacts == nil {
		return nil, nil
	}

	lead, err := engine.Contacts.GetContact(ctx, *thread.ContactID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return lead, err
}

func record(phase string, verdict Verdict, messageID string) {
	prometheusMetrics.AutopilotVerdicts.WithLabelValues(phase, string(verdict.Outcome), verdict.Gate).Inc()

	fields := []zap.Field{
		zap.String("phase", phase),
		zap.String("message_id", messageID),
		zap.String("outcome", string(verdict.Outcome)),
	}

	if verdict.Gate != "" {
		fields = append(fields, zap.String("gate", verdict.Gate), zap.String("reason", verdict.Reason))
	}

	if verdict.Delay > 0 {
		fields = append(fields, zap.Duration("delay", verdict.Delay))
	}

	logging.Logger.Info("[Autopilot] Verdict", fields...)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
