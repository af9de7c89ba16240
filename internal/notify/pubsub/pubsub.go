// Package pubsub publishes change notifications to Google Cloud Pub/Sub and
// receives them as wake-ups for the pass loop.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// kindAttribute lets subscriptions filter on the notification kind.
const kindAttribute = "kind"

// Notifier publishes notifications to a topic.
type Notifier struct {
	publisher *pubsub.Publisher
}

// NewNotifier creates a Notifier for the provided topic publisher.
func NewNotifier(publisher *pubsub.Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

// Notify implements registration.Notifier and waits for the server ack.
func (p *Notifier) Notify(ctx context.Context, n registration.Notification) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := encode(ctx, otel.GetTextMapPropagator(), n)
	if err != nil {
		return err
	}
	if _, err := p.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Subscriber receives notifications from a subscription.
type Subscriber struct {
	subscriber *pubsub.Subscriber
	logger     *zap.Logger
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(subscriber *pubsub.Subscriber, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{subscriber: subscriber, logger: logger.Named("pubsub_subscriber")}
}

// Run delivers notifications to handle until ctx is canceled. Malformed
// messages are acked and dropped.
func (s *Subscriber) Run(ctx context.Context, handle func(ctx context.Context, n registration.Notification)) error {
	if s.subscriber == nil {
		return fmt.Errorf("pubsub subscriber is not configured")
	}
	err := s.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()
		ctx, n, err := decode(ctx, otel.GetTextMapPropagator(), msg)
		if err != nil {
			s.logger.Warn("dropping malformed notification", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		handle(ctx, n)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive notifications: %w", err)
	}
	return nil
}

func encode(ctx context.Context, propagator propagation.TextMapPropagator, n registration.Notification) (*pubsub.Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{kindAttribute: string(n.Kind)},
	}
	propagator.Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	return msg, nil
}

func decode(
	ctx context.Context,
	propagator propagation.TextMapPropagator,
	msg *pubsub.Message,
) (context.Context, registration.Notification, error) {
	var n registration.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		return ctx, n, fmt.Errorf("unmarshal notification: %w", err)
	}
	if n.Kind == "" {
		n.Kind = registration.NotificationKind(msg.Attributes[kindAttribute])
	}
	if n.Kind == "" {
		return ctx, n, fmt.Errorf("notification kind is missing")
	}
	return propagator.Extract(ctx, &pubsubCarrier{attrs: msg.Attributes}), n, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
