package transport

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/kafka"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(record kafka.Record) (kafka.ProducerResult, error)
}

type dmEvent struct {
	IdempotencyKey string `json:"idempotency_key"`
	To             string `json:"to"`
	Body           string `json:"body"`
}

// DMRelay hands direct messages to the social inbox connector over Kafka.
// Records are keyed by recipient so one conversation stays ordered.
type DMRelay struct {
	Publisher Publisher
	Topic     string
}

func NewDMRelay(publisher Publisher, topic string) *DMRelay {
	return &DMRelay{Publisher: publisher, Topic: topic}
}

func (relay *DMRelay) Send(ctx context.Context, message Message) (Receipt, error) {
	if ctx.Err() != nil {
		return Receipt{}, ctx.Err()
	}

	value, err := json.Marshal(dmEvent{
		IdempotencyKey: message.IdempotencyKey,
		To:             message.To,
		Body:           message.Body,
	})
	if err != nil {
		return Receipt{}, job.Permanent(err)
	}

	result, err := relay.Publisher.Publish(kafka.Record{
		Topic:   relay.Topic,
		Key:     []byte(message.To),
		Value:   value,
		Headers: map[string]string{"idempotency-key": message.IdempotencyKey},
	})
	if err != nil {
		return Receipt{}, err
	}

	providerID := fmt.Sprintf("%s/%d/%d", relay.Topic, result.Partition, result.Offset)

	logging.Logger.Info("DM relayed",
		zap.String("idempotency_key", message.IdempotencyKey),
		zap.String("provider_message_id", providerID),
	)

	return Receipt{ProviderMessageID: providerID}, nil
}
