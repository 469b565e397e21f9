package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

// MessageHandler processes one record. An error leaves the record unmarked
// so it is delivered again after the group session restarts.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

type Consumer struct {
	Client sarama.ConsumerGroup
	Name   string
}

// NewConsumer joins groupID on the configured brokers.
func NewConsumer(groupID, name string) (*Consumer, error) {
	client, err := createConsumerGroup(groupID, name)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		Client: client,
		Name:   name,
	}, nil
}

// Consume blocks, feeding records from topic to messageHandler until ctx is canceled.
func (c *Consumer) Consume(ctx context.Context, topic string, messageHandler MessageHandler) error {
	handler := &consumerGroupHandler{
		name:           c.Name,
		messageHandler: messageHandler,
	}

	runConsumerLoop(ctx, c.Client, topic, handler, c.Name)

	return nil
}

func (c *Consumer) Close() error {
	err := c.Client.Close()
	if err != nil {
		logging.Logger.Error("Failed to close Kafka consumer",
			zap.String("consumer", c.Name),
			zap.String("error", err.Error()),
		)

		return err
	}

	logging.Logger.Info("Kafka consumer closed successfully", zap.String("consumer", c.Name))

	return nil
}

type consumerGroupHandler struct {
	name           string
	messageHandler MessageHandler
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			err := h.messageHandler(session.Context(), message)
			if err != nil {
				logging.Logger.Error("Kafka message handling failed, leaving it unmarked",
					zap.String("consumer", h.name),
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.String("error", err.Error()),
				)

				return err
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
