package autopilot

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopfront/autopilot/internal/contact"
	"github.com/shopfront/autopilot/internal/messaging"
	"gorm.io/gorm"
)

type memoryMessages struct {
	mu         sync.Mutex
	now        func() time.Time
	threads    map[string]*messaging.Thread
	messages   map[string]*messaging.Message
	autosendAt map[string]time.Time
	releases   []messaging.ReleaseRequest
}

func newMemoryMessages(now func() time.Time) *memoryMessages {
	return &memoryMessages{
		now:        now,
		threads:    map[string]*messaging.Thread{},
		messages:   map[string]*messaging.Message{},
		autosendAt: map[string]time.Time{},
	}
}

func (m *memoryMessages) addThread(thread *messaging.Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.threads[thread.ID] = thread
}

func (m *memoryMessages) addMessage(message *messaging.Message) *messaging.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.NewString()
	}

	m.messages[message.ID] = message

	return message
}

func (m *memoryMessages) get(id string) messaging.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return *m.messages[id]
}

func (m *memoryMessages) find(match func(*messaging.Message) bool) []messaging.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []messaging.Message

	for _, message := range m.messages {
		if match(message) {
			found = append(found, *message)
		}
	}

	slices.SortFunc(found, func(a, b messaging.Message) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return found
}

func (m *memoryMessages) newest(match func(*messaging.Message) bool) *messaging.Message {
	found := m.find(match)
	if len(found) == 0 {
		return nil
	}

	return &found[0]
}

// inScope mirrors the repository's contact scope: every thread of the
// thread's contact, or the thread alone.
func (m *memoryMessages) inScope(thread *messaging.Thread, message *messaging.Message) bool {
	if thread.ContactID == nil {
		return message.ThreadID == thread.ID
	}

	other, ok := m.threads[message.ThreadID]

	return ok && other.ContactID != nil && *other.ContactID == *thread.ContactID
}

func (m *memoryMessages) GetMessage(_ context.Context, id string) (*messaging.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	message, ok := m.messages[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}

	found := *message

	return &found, nil
}

func (m *memoryMessages) GetThread(_ context.Context, id string) (*messaging.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}

	found := *thread

	return &found, nil
}

func (m *memoryMessages) FindAutopilotReply(_ context.Context, inboundID string) (*messaging.Message, error) {
	return m.newest(func(message *messaging.Message) bool {
		forID := message.Metadata.AutopilotForMessageID

		return message.Metadata.Autopilot && forID != nil && *forID == inboundID &&
			message.Metadata.FallbackFromMessageID == nil
	}), nil
}

func (m *memoryMessages) ListRecent(_ context.Context, threadID string, limit int) ([]messaging.Message, error) {
	found := m.find(func(message *messaging.Message) bool {
		return message.ThreadID == threadID && !message.Metadata.Draft
	})

	if len(found) > limit {
		found = found[:limit]
	}

	return found, nil
}

func (m *memoryMessages) LatestInbound(_ context.Context, threadID string) (*messaging.Message, error) {
	return m.newest(func(message *messaging.Message) bool {
		return message.ThreadID == threadID && message.Direction == messaging.DirectionInbound
	}), nil
}

func (m *memoryMessages) LastSentAutopilot(_ context.Context, threadID string) (*messaging.Message, error) {
	return m.newest(func(message *messaging.Message) bool {
		return message.ThreadID == threadID && message.Direction == messaging.DirectionOutbound &&
			message.Metadata.Autopilot && !message.Metadata.Draft &&
			message.DeliveryStatus != messaging.DeliveryStatusFailed
	}), nil
}

func (m *memoryMessages) HasHumanOutboundSince(_ context.Context, thread *messaging.Thread, since time.Time) (bool, error) {
	found := m.find(func(message *messaging.Message) bool {
		return m.inScope(thread, message) && message.Direction == messaging.DirectionOutbound &&
			message.AuthorUserID != nil && !message.Metadata.Autopilot && message.CreatedAt.After(since)
	})

	return len(found) > 0, nil
}

func (m *memoryMessages) LatestActivity(_ context.Context, thread *messaging.Thread) (*time.Time, error) {
	latest := m.newest(func(message *messaging.Message) bool {
		return m.inScope(thread, message) && !message.Metadata.Draft
	})
	if latest == nil {
		return nil, nil
	}

	return &latest.CreatedAt, nil
}

func (m *memoryMessages) MarkNoAutosend(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[id].Metadata.NoAutosend = true

	return nil
}

func (m *memoryMessages) CreateDraft(ctx context.Context, draft *messaging.Message, autosendAt *time.Time) error {
	if forID := draft.Metadata.AutopilotForMessageID; forID != nil {
		existing, _ := m.FindAutopilotReply(ctx, *forID)
		if existing != nil {
			return messaging.ErrDuplicateDraft
		}
	}

	draft.ID = uuid.NewString()
	draft.Direction = messaging.DirectionOutbound
	draft.DeliveryStatus = messaging.DeliveryStatusDraft
	draft.Metadata.Draft = true
	draft.Metadata.Autopilot = true
	draft.CreatedAt = m.now()

	stored := *draft
	m.addMessage(&stored)

	if autosendAt != nil {
		m.mu.Lock()
		m.autosendAt[draft.ID] = *autosendAt
		m.mu.Unlock()
	}

	return nil
}

func (m *memoryMessages) Release(_ context.Context, req messaging.ReleaseRequest) (*messaging.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft, ok := m.messages[req.DraftID]
	if !ok || !draft.Metadata.Draft || draft.Metadata.NoAutosend {
		return nil, messaging.ErrDraftNotHeld
	}

	m.releases = append(m.releases, req)

	if req.Fallback == nil {
		draft.Metadata.Draft = false
		draft.DeliveryStatus = messaging.DeliveryStatusQueued

		live := *draft

		return &live, nil
	}

	draft.Metadata.NoAutosend = true

	phone := req.Fallback.PhoneE164
	thread := &messaging.Thread{ID: uuid.NewString(), Channel: messaging.ChannelSMS, ContactID: &req.Fallback.ContactID, ExternalAddress: &phone}
	m.threads[thread.ID] = thread

	sms := &messaging.Message{
		ID:             uuid.NewString(),
		ThreadID:       thread.ID,
		Direction:      messaging.DirectionOutbound,
		Channel:        messaging.ChannelSMS,
		Body:           draft.Body,
		ToAddress:      &phone,
		DeliveryStatus: messaging.DeliveryStatusQueued,
		Metadata: messaging.Metadata{
			Autopilot:             true,
			AutopilotForMessageID: draft.Metadata.AutopilotForMessageID,
			FallbackFromMessageID: &draft.ID,
		},
		CreatedAt: m.now(),
	}
	m.messages[sms.ID] = sms

	live := *sms

	return &live, nil
}

type memoryContacts map[string]*contact.Contact

func (c memoryContacts) GetContact(_ context.Context, id string) (*contact.Contact, error) {
	lead, ok := c[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}

	found := *lead

	return &found, nil
}

type fixedFlags struct {
	appointment bool
	call        bool
}

func (f *fixedFlags) HasUpcomingAppointment(context.Context, string, time.Time) (bool, error) {
	return f.appointment, nil
}

func (f *fixedFlags) HasConnectedCallSince(context.Context, string, time.Time) (bool, error) {
	return f.call, nil
}

type fixedComposer struct {
	configured  bool
	reply       string
	missingInfo []string
	calls       int
}

func (c *fixedComposer) Configured() bool {
	return c.configured
}

func (c *fixedComposer) Compose(context.Context, ComposeRequest) (*Composition, error) {
	c.calls++

	return &Composition{
		Reply:       c.reply,
		MissingInfo: c.missingInfo,
		Model:       "writer",
		Stages:      []StageTranscript{{Stage: stageWrite, Model: "writer"}},
	}, nil
}

// racingComposer stores a rival draft for the same inbound message while
// the engine is still composing its own.
type racingComposer struct {
	fixedComposer
	messages *memoryMessages
	inbound  *messaging.Message
}

func (c *racingComposer) Compose(ctx context.Context, req ComposeRequest) (*Composition, error) {
	rival := &messaging.Message{
		ThreadID: c.inbound.ThreadID,
		Channel:  c.inbound.Channel,
		Body:     "rival reply",
		Metadata: messaging.Metadata{AutopilotForMessageID: &c.inbound.ID},
	}

	err := c.messages.CreateDraft(ctx, rival, nil)
	if err != nil {
		return nil, err
	}

	return c.fixedComposer.Compose(ctx, req)
}

type memoryArchive struct {
	transcripts []*Transcript
}

func (a *memoryArchive) StoreTranscript(_ context.Context, transcript *Transcript) error {
	a.transcripts = append(a.transcripts, transcript)

	return nil
}

type staticPolicy struct {
	policy Policy
}

func (s *staticPolicy) Policy(context.Context) (Policy, error) {
	return s.policy, nil
}
