// Package memory records published payloads in memory for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message captures one publish call.
type Message struct {
	Topic   string
	Payload any
}

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	failWith error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err. Pass nil to reset.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.failWith)
	}
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes, optionally filtered to one topic.
func (p *Publisher) Messages(topic ...string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0, len(p.messages))
	for _, msg := range p.messages {
		if len(topic) > 0 && msg.Topic != topic[0] {
			continue
		}
		out = append(out, msg)
	}
	return out
}
