package events

import (
	"context"
	"encoding/json"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sirupsen/logrus"
)

// Topics published by the billing pipeline. Consumers (notification
// delivery, accounting) live outside this service.
const (
	TopicInvoiceCreated        = "invoice.created"
	TopicMemberStatusChanged   = "member.status_changed"
	TopicNotificationTriggered = "notification.triggered"
	TopicBatchTransition       = "batch.transition"
	TopicBatchLineReturned     = "batch.line_returned"
)

// Topics lists every topic above.
var Topics = []string{
	TopicInvoiceCreated,
	TopicMemberStatusChanged,
	TopicNotificationTriggered,
	TopicBatchTransition,
	TopicBatchLineReturned,
}

// Publisher emits read events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Subscriber consumes read events.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// PubSub is an in-process broker on watermill's gochannel.
type PubSub struct {
	pubsub *gochannel.GoChannel
	log    *logrus.Logger
}

func NewPubSub(log *logrus.Logger) *PubSub {
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
			OutputChannelBuffer:            256,
		},
		watermill.NewStdLogger(false, false),
	)
	return &PubSub{pubsub: goChannel, log: log}
}

// Publish JSON encodes payload into a message. Events are advisory: a
// publish failure is returned but never rolls back the state change that
// caused it.
func (p *PubSub) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return ierr.WithError(err).WithMessagef("failed to encode %s event", topic).Mark(ierr.ErrValidation)
	}
	msg := message.NewMessage(watermill.NewULID(), body)
	msg.SetContext(ctx)
	if err := p.pubsub.Publish(topic, msg); err != nil {
		return ierr.WithError(err).WithMessagef("failed to publish %s event", topic).Mark(ierr.ErrTransient)
	}
	p.log.WithFields(logrus.Fields{"topic": topic, "event_id": msg.UUID}).Debug("Event published")
	return nil
}

func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return p.pubsub.Subscribe(ctx, topic)
}

func (p *PubSub) Close() error {
	return p.pubsub.Close()
}

// Decode unmarshals a message payload and acks it.
func Decode[T any](msg *message.Message) (T, error) {
	var out T
	err := json.Unmarshal(msg.Payload, &out)
	msg.Ack()
	return out, err
}
