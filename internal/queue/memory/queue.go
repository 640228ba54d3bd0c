// Package memory provides an in-process work queue for local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

type message struct {
	data    []byte
	attempt int
}

// Stats counts deliveries made by the queue.
type Stats struct {
	Deliveries  int
	Acked       int
	Redelivered int
}

// Queue is a bounded in-memory queue that redelivers nacked messages.
type Queue struct {
	ch        chan message
	done      chan struct{}
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool

	statsMu sync.Mutex
	stats   Stats
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan message, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue serialises the unit and pushes it, or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, unit fanout.WorkUnit) error {
	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal work unit: %w", err)
	}
	return q.push(ctx, message{data: data})
}

func (q *Queue) push(ctx context.Context, msg message) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return errors.New("queue closed")
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return errors.New("queue closed")
	case q.ch <- msg:
		return nil
	}
}

// Dequeue pops the next raw payload without lease semantics.
func (q *Queue) Dequeue(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case msg, ok := <-q.ch:
		if !ok {
			return nil, errors.New("queue closed")
		}
		return msg.data, nil
	}
}

// Receive hands messages to handler until the context ends or the queue is
// closed. Failed deliveries go back on the queue.
func (q *Queue) Receive(ctx context.Context, handler fanout.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-q.ch:
			if !ok {
				return nil
			}
			msg.attempt++
			err := handler(ctx, msg.data)
			q.record(err)
			if err == nil || errors.Is(err, fanout.ErrPermanent) {
				continue
			}
			q.redeliver(ctx, msg)
		}
	}
}

func (q *Queue) redeliver(ctx context.Context, msg message) {
	// Pushing from the consumer goroutine would deadlock on a full queue.
	go func() {
		_ = q.push(ctx, msg)
	}()
}

func (q *Queue) record(err error) {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	q.stats.Deliveries++
	if err == nil || errors.Is(err, fanout.ErrPermanent) {
		q.stats.Acked++
		return
	}
	q.stats.Redelivered++
}

// Stats returns a snapshot of delivery counters.
func (q *Queue) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return q.stats
}

// Len reports the number of messages waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Enqueues blocked on a
// full queue return an error.
func (q *Queue) Close() {
	// Release blocked pushes first; they hold the read lock.
	q.closeOnce.Do(func() { close(q.done) })
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
