// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Publisher publishes JSON payloads to any topic on a shared client.
type Publisher struct {
	client *pubsub.Client

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher backed by client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{
		client:     client,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// Publish marshals the payload to JSON and publishes it to topic, returning
// the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", errors.New("pubsub client is not configured")
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})

	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.publishers[topic] = pub
	}
	return pub
}

// Stop flushes and stops every topic publisher.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
}

// carrier adapts Pub/Sub attributes to propagation.TextMapCarrier.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}

// Extract returns ctx enriched with trace context carried in attrs.
func Extract(ctx context.Context, attrs map[string]string) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &carrier{attrs: attrs})
}
