package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopfront/autopilot/internal/database"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrDraftNotHeld means the draft was released, flagged or removed since it was read.
	ErrDraftNotHeld  = fmt.Errorf("draft no longer held: %w", database.ErrNoRowsAffected)
	ErrStatusChanged = fmt.Errorf("delivery status changed: %w", database.ErrNoRowsAffected)
	// ErrDuplicateDraft means another autopilot reply already exists for the inbound message.
	ErrDuplicateDraft = errors.New("autopilot reply already exists for inbound message")
)

// SMSFallback redirects a DM release to the contact's SMS thread.
type SMSFallback struct {
	ContactID string
	PhoneE164 string
}

type ReleaseRequest struct {
	DraftID string
	// SendAt is when the delivery job becomes due.
	SendAt   time.Time
	Fallback *SMSFallback
}

// CreateDraft stores a held draft and, when autosendAt is set, its release
// job, in one transaction.
func (messageRepository *MessageRepository) CreateDraft(ctx context.Context, draft *Message, autosendAt *time.Time) error {
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}

	draft.Direction = DirectionOutbound
	draft.DeliveryStatus = DeliveryStatusDraft
	draft.Metadata.Draft = true
	draft.Metadata.Autopilot = true

	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = messageRepository.Now()
	}

	_, err := messageRepository.CircuitBreaker.Execute(func() (any, error) {
		return nil, messageRepository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Create(draft).Error
			if err != nil {
				return err
			}

			if autosendAt == nil {
				return nil
			}

			payload := job.AutosendPayload{DraftMessageID: draft.ID}
			if draft.Metadata.AutopilotForMessageID != nil {
				payload.InboundMessageID = *draft.Metadata.AutopilotForMessageID
			}

			_, err = messageRepository.Jobs.EnqueueTx(tx, payload, *autosendAt)

			return err
		})
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		logging.Logger.Warn("[CreateDraft] Autopilot reply already exists",
			zap.String("thread_id", draft.ThreadID),
			zap.Stringp("inbound_message_id", draft.Metadata.AutopilotForMessageID),
		)

		return ErrDuplicateDraft
	}

	if err != nil {
		logging.Logger.Error("[CreateDraft] Failed to store draft",
			zap.String("thread_id", draft.ThreadID),
			zap.String("error", err.Error()),
		)

		return err
	}

	logging.Logger.Info("[CreateDraft] Draft stored",
		zap.String("message_id", draft.ID),
		zap.String("thread_id", draft.ThreadID),
		zap.Bool("autosend", autosendAt != nil),
	)

	return nil
}

// Release turns a held draft into a live queued message and schedules its
// delivery, in one transaction. It returns the message that will be sent.
func (messageRepository *MessageRepository) Release(ctx context.Context, req ReleaseRequest) (*Message, error) {
	result, err := messageRepository.CircuitBreaker.Execute(func() (any, error) {
		var live *Message

		err := messageRepository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error

			if req.Fallback == nil {
				live, err = messageRepository.releaseDraft(tx, req.DraftID)
			} else {
				live, err = messageRepository.releaseAsSMS(tx, req.DraftID, req.Fallback)
			}

			if err != nil {
				return err
			}

			err = tx.Model(&Thread{}).
				Where("id = ?", live.ThreadID).
				Updates(map[string]any{
					"last_message_at":      messageRepository.Now(),
					"last_message_preview": Preview(live.Body),
				}).Error
			if err != nil {
				return err
			}

			_, err = messageRepository.Jobs.EnqueueTx(tx, job.SendPayload{MessageID: live.ID}, req.SendAt)

			return err
		})
		if err != nil {
			return nil, err
		}

		return live, nil
	})
	if err != nil {
		if !errors.Is(err, ErrDraftNotHeld) {
			logging.Logger.Error("[Release] Failed to release draft",
				zap.String("draft_id", req.DraftID),
				zap.String("error", err.Error()),
			)
		}

		return nil, err
	}

	live, ok := result.(*Message)
	if !ok {
		return nil, ErrInvalidMessageResult
	}

	logging.Logger.Info("[Release] Draft released",
		zap.String("draft_id", req.DraftID),
		zap.String("message_id", live.ID),
		zap.String("channel", string(live.Channel)),
		zap.Time("send_at", req.SendAt),
	)

	return live, nil
}

func (messageRepository *MessageRepository) releaseDraft(tx *gorm.DB, draftID string) (*Message, error) {
	update := tx.Model(&Message{}).
		Where("id = ? AND meta_draft = ? AND meta_no_autosend = ?", draftID, true, false).
		Updates(map[string]any{
			"meta_draft":      false,
			"delivery_status": DeliveryStatusQueued,
		})
	if update.Error != nil {
		return nil, update.Error
	}

	if update.RowsAffected == 0 {
		return nil, ErrDraftNotHeld
	}

	var message Message

	err := tx.Where("id = ?", draftID).First(&message).Error
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// releaseAsSMS leaves the DM draft held for review and copies its text into
// a new queued SMS on the contact's SMS thread.
func (messageRepository *MessageRepository) releaseAsSMS(tx *gorm.DB, draftID string, fallback *SMSFallback) (*Message, error) {
	update := tx.Model(&Message{}).
		Where("id = ? AND meta_draft = ? AND meta_no_autosend = ?", draftID, true, false).
		Update("meta_no_autosend", true)
	if update.Error != nil {
		return nil, update.Error
	}

	if update.RowsAffected == 0 {
		return nil, ErrDraftNotHeld
	}

	var draft Message

	err := tx.Where("id = ?", draftID).First(&draft).Error
	if err != nil {
		return nil, err
	}

	thread, err := findOrCreateThread(tx, fallback.ContactID, ChannelSMS, fallback.PhoneE164)
	if err != nil {
		return nil, err
	}

	phone := fallback.PhoneE164
	message := &Message{
		ID:             uuid.NewString(),
		ThreadID:       thread.ID,
		Direction:      DirectionOutbound,
		Channel:        ChannelSMS,
		Body:           draft.Body,
		ToAddress:      &phone,
		DeliveryStatus: DeliveryStatusQueued,
		MissingInfo:    draft.MissingInfo,
		Metadata: Metadata{
			Autopilot:             true,
			AutopilotForMessageID: draft.Metadata.AutopilotForMessageID,
			FallbackFromMessageID: &draft.ID,
			Model:                 draft.Metadata.Model,
			PromptVersion:         draft.Metadata.PromptVersion,
		},
		CreatedAt: messageRepository.Now(),
	}

	err = tx.Create(message).Error
	if err != nil {
		return nil, err
	}

	return message, nil
}

func findOrCreateThread(tx *gorm.DB, contactID string, channel Channel, address string) (*Thread, error) {
	var thread Thread

	err := tx.Where("contact_id = ? AND channel = ?", contactID, channel).
		Order("last_message_at DESC NULLS LAST").
		First(&thread).Error
	if err == nil {
		return &thread, nil
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	thread = Thread{
		ID:              uuid.NewString(),
		Channel:         channel,
		ContactID:       &contactID,
		ExternalAddress: &address,
		State:           "open",
	}

	err = tx.Create(&thread).Error
	if err != nil {
		return nil, err
	}

	return &thread, nil
}
