package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/shopfront/autopilot/internal/database"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidMessageResult      = errors.New("invalid result type, it should be pointer to Message struct")
	ErrInvalidMessageSliceResult = errors.New("invalid result type, it should be slice of Message")
	ErrInvalidThreadResult       = errors.New("invalid result type, it should be pointer to Thread struct")
	ErrInvalidBoolResult         = errors.New("invalid result type, it should be bool")
	ErrInvalidTimeResult         = errors.New("invalid result type, it should be pointer to time.Time")
)

// JobEnqueuer stores deferred work inside a messaging transaction.
type JobEnqueuer interface {
	EnqueueTx(tx *gorm.DB, payload job.Payload, eligibleAt time.Time) (*job.Record, error)
}

type MessageRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
	Jobs           JobEnqueuer
	Now            func() time.Time
}

func NewMessageRepository(dbConn *gorm.DB, jobs JobEnqueuer) *MessageRepository {
	return &MessageRepository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker("conversation_messages"),
		Jobs:           jobs,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

func (messageRepository *MessageRepository) GetMessage(ctx context.Context, id string) (*Message, error) {
	return messageRepository.findMessage(ctx, "GetMessage", func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", id)
	})
}

func (messageRepository *MessageRepository) GetThread(ctx context.Context, id string) (*Thread, error) {
	result, err := messageRepository.CircuitBreaker.Execute(func() (any, error) {
		var thread Thread

		err := messageRepository.DBConn.WithContext(ctx).
			Where("id = ?", id).
			First(&thread).Error
		if err != nil {
			return nil, err
		}

		return &thread, nil
	})
	if err != nil {
		return nil, err
	}

	thread, ok := result.(*Thread)
	if !ok {
		return nil, ErrInvalidThreadResult
	}

	return thread, nil
}

// FindAutopilotReply returns the autopilot message written for an inbound
// message, held or released, or nil if there is none.
func (messageRepository *MessageRepository) FindAutopilotReply(ctx context.Context, inboundID string) (*Message, error) {
	return messageRepository.optionalMessage(messageRepository.findMessage(ctx, "FindAutopilotReply", func(db *gorm.DB) *gorm.DB {
		return db.
			Where("meta_autopilot = ? AND meta_autopilot_for_message_id = ?", true, inboundID).
			Where("meta_fallback_from_message_id IS NULL").
			Order("created_at DESC")
	}))
}

// ListRecent returns up to limit live messages of a thread, newest first.
func (messageRepository *MessageRepository) ListRecent(ctx context.Context, threadID string, limit int) ([]Message, error) {
	result, err := messageRepository.CircuitBreaker.Execute(func() (any, error) {
		var messages []Message

		err := messageRepository.DBConn.WithContext(ctx).
			Where("thread_id = ? AND meta_draft = ?", threadID, false).
			Order("created_at DESC").
			Limit(limit).
			Find(&messages).Error
		if err != nil {
			logging.Logger.Error("[ListRecent] Failed to list messages",
				zap.String("thread_id", threadID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return messages, nil
	})
	if err != nil {
		return nil, err
	}

	messages, ok := result.([]Message)
	if !ok {
		return nil, ErrInvalidMessageSliceResult
	}

	return messages, nil
}

// LatestInbound returns the newest inbound message of a thread, or nil.
func (messageRepository *MessageRepository) LatestInbound(ctx context.Context, threadID string) (*Message, error) {
	return messageRepository.optionalMessage(messageRepository.findMessage(ctx, "LatestInbound", func(db *gorm.DB) *gorm.DB {
		return db.
			Where("thread_id = ? AND direction = ?", threadID, DirectionInbound).
			Order("created_at DESC")
	}))
}

// LastSentAutopilot returns the newest released autopilot message of a thread, or nil.
func (messageRepository *MessageRepository) LastSentAutopilot(ctx context.Context, threadID string) (*Message, error) {
	return messageRepository.optionalMessage(messageRepository.findMessage(ctx, "LastSentAutopilot", func(db *gorm.DB) *gorm.DB {
		return db.
			Where("thread_id = ? AND direction = ?", threadID, DirectionOutbound).
			Where("meta_autopilot = ? AND meta_draft = ?", true, false).
			Where("delivery_status IN ?", []string{DeliveryStatusQueued, DeliveryStatusSent, DeliveryStatusDelivered}).
			Order("created_at DESC")
	}))
}

// HasHumanOutboundSince reports whether a team member wrote to the thread's
// contact, on any of its threads, after since.
func (messageRepository *MessageRepository) HasHumanOutboundSince(
	ctx context.Context,
	thread *Thread,
	since time.Time,
) (bool, error) {
	result, err := messageRepository.CircuitBreaker.Execute(func() (any, error) {
		var count int64

		err := contactScope(messageRepository.DBConn.WithContext(ctx).Model(&Message{}), thread).
			Where("direction = ? AND author_user_id IS NOT NULL AND meta_autopilot = ?", DirectionOutbound, false).
			Where("created_at > ?", since).
			Count(&count).Error
		if err != nil {
			logging.Logger.Error("[HasHumanOutboundSince] Failed to count messages",
				zap.String("thread_id", thread.ID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return count > 0, nil
	})
	if err != nil {
		return false, err
	}

	exists, ok := result.(bool)
	if !ok {
		return false, ErrInvalidBoolResult
	}

	return exists, nil
}

// LatestActivity returns when the newest live message for the thread's
// contact was written, across all channels, or nil.
func (messageRepository *MessageRepository) LatestActivity(ctx context.Context, thread *Thread) (*time.Time, error) {
	result, err := messageRepository.CircuitBreaker.Execute(func() (any, error) {
		var latest *time.Time

		err := contactScope(messageRepository.DBConn.WithContext(ctx).Model(&Message{}), thread).
			Where("meta_draft = ?", false).
			Select("MAX(created_at)").
			Scan(&latest).Error
		if err != nil {
			logging.Logger.Error("[LatestActivity] Failed to read latest activity",
				zap.String("thread_id", thread.ID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return latest, nil
	})
	if err != nil {
		return nil, err
	}

	latest, ok := result.(*time.Time)
	if !ok && result != nil {
		return nil, ErrInvalidTimeResult
	}

	return latest, nil
}

// MarkSent moves a queued message to sent. A message no longer queued is left alone.
func (messageRepository *MessageRepository) MarkSent(ctx context.Context, id string, providerMessageID *string) error {
	return messageRepository.transition(ctx, id, DeliveryStatusQueued, map[string]any{
		"delivery_status":     DeliveryStatusSent,
		"provider_message_id": providerMessageID,
		"sent_at":             messageRepository.Now(),
	})
}

func (messageRepository *MessageRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return messageRepository.transition(ctx, id, DeliveryStatusQueued, map[string]any{
		"delivery_status": DeliveryStatusFailed,
		"failed_reason":   reason,
	})
}

// MarkNoAutosend keeps a held draft for a human to review.
func (messageRepository *MessageRepository) MarkNoAutosend(ctx context.Context, id string) error {
	_, err := messageRepository.CircuitBreaker.Execute(func() (any, error) {
		err := messageRepository.DBConn.WithContext(ctx).
			Model(&Message{}).
			Where("id = ?", id).
			Update("meta_no_autosend", true).Error
		if err != nil {
			logging.Logger.Error("[MarkNoAutosend] Failed to flag draft",
				zap.String("message_id", id),
				zap.String("error", err.Error()),
			)
		}

		return nil, err
	})

	return err
}

func (messageRepository *MessageRepository) transition(ctx context.Context, id, from string, updates map[string]any) error {
	_, err := messageRepository.CircuitBreaker.Execute(func() (any, error) {
		tx := messageRepository.DBConn.WithContext(ctx).
			Model(&Message{}).
			Where("id = ? AND delivery_status = ?", id, from).
			Updates(updates)
		if tx.Error != nil {
			logging.Logger.Error("[transition] Failed to update delivery status",
				zap.String("message_id", id),
				zap.String("error", tx.Error.Error()),
			)

			return nil, tx.Error
		}

		if tx.RowsAffected == 0 {
			return nil, ErrStatusChanged
		}

		return nil, nil
	})

	return err
}

func (messageRepository *MessageRepository) findMessage(
	ctx context.Context,
	op string,
	scope func(db *gorm.DB) *gorm.DB,
) (*Message, error) {
	result, err := messageRepository.CircuitBreaker.Execute(func() (any, error) {
		var message Message

		err := scope(messageRepository.DBConn.WithContext(ctx)).First(&message).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				logging.Logger.Error("Failed to fetch message",
					zap.String("op", op),
					zap.String("error", err.Error()),
				)
			}

			return nil, err
		}

		return &message, nil
	})
	if err != nil {
		return nil, err
	}

	message, ok := result.(*Message)
	if !ok {
		return nil, ErrInvalidMessageResult
	}

	return message, nil
}

func (messageRepository *MessageRepository) optionalMessage(message *Message, err error) (*Message, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return message, err
}

// contactScope limits a message query to every thread of the thread's contact,
// or to the thread itself while the contact is unknown.
func contactScope(db *gorm.DB, thread *Thread) *gorm.DB {
	if thread.ContactID == nil {
		return db.Where("thread_id = ?", thread.ID)
	}

	return db.Where(
		"thread_id IN (?)",
		db.Session(&gorm.Session{NewDB: true}).
			Model(&Thread{}).
			Select("id").
			Where("contact_id = ?", *thread.ContactID),
	)
}
