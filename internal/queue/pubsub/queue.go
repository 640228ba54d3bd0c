// Package pubsub implements the chunk work queue on Google Cloud Pub/Sub.
//
// The subscription ack deadline plays the role of a visibility timeout: a
// message that is nacked, or whose worker dies, is redelivered once the
// deadline lapses.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

// Config controls the queue's publisher and subscriber handles.
type Config struct {
	Topic          string
	Subscription   string
	MaxOutstanding int
}

// Queue enqueues work units on a topic and receives them from a subscription.
type Queue struct {
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger
}

// New wires a Queue against an existing client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Topic == "" && cfg.Subscription == "" {
		return nil, errors.New("topic or subscription is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{logger: logger}
	if cfg.Topic != "" {
		q.publisher = client.Publisher(cfg.Topic)
	}
	if cfg.Subscription != "" {
		q.subscriber = client.Subscriber(cfg.Subscription)
		if cfg.MaxOutstanding > 0 {
			q.subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		}
	}
	return q, nil
}

// Enqueue publishes the unit as JSON and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, unit fanout.WorkUnit) error {
	if q.publisher == nil {
		return errors.New("pubsub work topic is not configured")
	}
	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal work unit: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"bucket": unit.Bucket, "key": unit.Key},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Attributes))
	if _, err := q.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish work unit %s: %w", unit.Key, err)
	}
	return nil
}

// Receive pulls messages until ctx ends. Handler success and permanent
// failures ack; any other error nacks for redelivery.
func (q *Queue) Receive(ctx context.Context, handler fanout.MessageHandler) error {
	if q.subscriber == nil {
		return errors.New("pubsub work subscription is not configured")
	}
	err := q.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Attributes))
		err := handler(ctx, msg.Data)
		switch {
		case err == nil:
			msg.Ack()
		case errors.Is(err, fanout.ErrPermanent):
			q.logger.Warn("dropping unprocessable message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			msg.Ack()
		default:
			q.logger.Warn("message failed; will be redelivered",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive work: %w", err)
	}
	return nil
}

// Stop flushes pending publishes.
func (q *Queue) Stop() {
	if q.publisher != nil {
		q.publisher.Stop()
	}
}
