package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/messaging"
)

var ErrUnsupportedChannel = errors.New("no sender for channel")

// Message is one outbound delivery. IdempotencyKey is stable across retries
// of the same message so providers can drop duplicates.
type Message struct {
	Channel        messaging.Channel
	To             string
	Subject        *string
	Body           string
	IdempotencyKey string
}

type Receipt struct {
	ProviderMessageID string
}

type Sender interface {
	Send(ctx context.Context, message Message) (Receipt, error)
}

// Router hands each message to the sender registered for its channel.
type Router struct {
	Senders map[messaging.Channel]Sender
}

func NewRouter(sms, email, dm Sender) *Router {
	return &Router{Senders: map[messaging.Channel]Sender{
		messaging.ChannelSMS:   sms,
		messaging.ChannelEmail: email,
		messaging.ChannelDM:    dm,
	}}
}

func (router *Router) Send(ctx context.Context, message Message) (Receipt, error) {
	sender, ok := router.Senders[message.Channel]
	if !ok || sender == nil {
		return Receipt{}, job.Permanent(fmt.Errorf("%w %q", ErrUnsupportedChannel, message.Channel))
	}

	return sender.Send(ctx, message)
}
