package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/logging"
	prometheusMetrics "github.com/shopfront/autopilot/internal/prometheus"
	"go.uber.org/zap"
)

var ErrMalformedEvent = errors.New("malformed inbound message event")

// InboundEvent announces a stored inbound message.
type InboundEvent struct {
	MessageID string     `json:"message_id"           validate:"required,uuid"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, payload job.Payload, eligibleAt time.Time) (*job.Record, error)
}

// InboundConsumer turns inbound-message events into autopilot.draft jobs.
type InboundConsumer struct {
	Jobs      JobEnqueuer
	Validator *validator.Validate
	Now       func() time.Time
}

func NewInboundConsumer(jobs JobEnqueuer) *InboundConsumer {
	return &InboundConsumer{
		Jobs:      jobs,
		Validator: validator.New(),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleMessage is a kafka.MessageHandler. Malformed events are logged and
// acknowledged; store errors are returned so the event is redelivered.
func (c *InboundConsumer) HandleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	event, err := c.decode(message.Value)
	if err != nil {
		logging.Logger.Warn("[HandleMessage] Dropping inbound event",
			zap.String("topic", message.Topic),
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.String("error", err.Error()),
		)

		return nil
	}

	if event.CreatedAt != nil {
		prometheusMetrics.IngestLatency.Observe(c.Now().Sub(*event.CreatedAt).Seconds())
	}

	record, err := c.Jobs.Enqueue(ctx, job.DraftPayload{InboundMessageID: event.MessageID}, c.Now())
	if err != nil {
		return err
	}

	logging.Logger.Info("[HandleMessage] Draft job enqueued",
		zap.String("inbound_message_id", event.MessageID),
		zap.String("job_id", record.ID),
	)

	return nil
}

func (c *InboundConsumer) decode(value []byte) (*InboundEvent, error) {
	var event InboundEvent

	err := json.Unmarshal(value, &event)
	if err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}

	err = c.Validator.Struct(&event)
	if err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}

	return &event, nil
}
