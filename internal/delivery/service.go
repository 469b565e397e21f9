package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/shopfront/autopilot/internal/messaging"
	"github.com/shopfront/autopilot/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNoRecipient = errors.New("message has no recipient address")

type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*messaging.Message, error)
	MarkSent(ctx context.Context, id string, providerMessageID *string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Service delivers queued outbound messages. The message ID is the
// provider idempotency key, so a retry after a lost acknowledgement does
// not reach the customer twice.
type Service struct {
	Messages    MessageStore
	Sender      transport.Sender
	MaxAttempts int
}

func NewService(messages MessageStore, sender transport.Sender, maxAttempts int) *Service {
	return &Service{
		Messages:    messages,
		Sender:      sender,
		MaxAttempts: maxAttempts,
	}
}

// HandleSendJob is the message.send handler.
func (service *Service) HandleSendJob(ctx context.Context, record *job.Record, payload job.SendPayload) (job.Result, error) {
	message, err := service.Messages.GetMessage(ctx, payload.MessageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return job.Skipped("message not found"), nil
	}

	if err != nil {
		return job.Result{}, err
	}

	if message.Direction != messaging.DirectionOutbound {
		return job.Skipped("message is not outbound"), nil
	}

	if message.Metadata.Draft {
		return job.Skipped("message is still a draft"), nil
	}

	if message.DeliveryStatus != messaging.DeliveryStatusQueued {
		return job.Skipped("message already " + message.DeliveryStatus), nil
	}

	if message.ToAddress == nil || strings.TrimSpace(*message.ToAddress) == "" {
		return job.Result{}, service.fail(ctx, message, job.Permanent(ErrNoRecipient))
	}

	receipt, err := service.Sender.Send(ctx, transport.Message{
		Channel:        message.Channel,
		To:             strings.TrimSpace(*message.ToAddress),
		Subject:        message.Subject,
		Body:           message.Body,
		IdempotencyKey: message.ID,
	})
	if err != nil {
		if !job.IsPermanent(err) && !service.lastAttempt(record) {
			logging.Logger.Warn("[HandleSendJob] Send failed, will retry",
				zap.String("message_id", message.ID),
				zap.Int("attempts", record.Attempts),
				zap.String("error", err.Error()),
			)

			return job.Result{}, err
		}

		return job.Result{}, service.fail(ctx, message, job.Permanent(err))
	}

	err = service.Messages.MarkSent(ctx, message.ID, &receipt.ProviderMessageID)
	if errors.Is(err, messaging.ErrStatusChanged) {
		logging.Logger.Warn("[HandleSendJob] Message status changed during send",
			zap.String("message_id", message.ID),
		)

		return job.Processed(), nil
	}

	if err != nil {
		return job.Result{}, err
	}

	logging.Logger.Info("[HandleSendJob] Message sent",
		zap.String("message_id", message.ID),
		zap.String("channel", string(message.Channel)),
		zap.String("provider_message_id", receipt.ProviderMessageID),
	)

	return job.Processed(), nil
}

func (service *Service) lastAttempt(record *job.Record) bool {
	return service.MaxAttempts > 0 && record.Attempts+1 >= service.MaxAttempts
}

// fail records the failure on the message and returns cause for the dispatcher.
func (service *Service) fail(ctx context.Context, message *messaging.Message, cause error) error {
	err := service.Messages.MarkFailed(ctx, message.ID, cause.Error())
	if err != nil && !errors.Is(err, messaging.ErrStatusChanged) {
		return fmt.Errorf("mark message %s failed: %w", message.ID, err)
	}

	logging.Logger.Error("[HandleSendJob] Message delivery failed",
		zap.String("message_id", message.ID),
		zap.String("error", cause.Error()),
	)

	return cause
}
