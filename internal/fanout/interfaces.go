package fanout

import (
	"context"
	"time"
)

// ObjectStore reads, writes and lists objects in one bucket.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, contentType string, data []byte) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// WorkQueue accepts work units for at-least-once delivery.
type WorkQueue interface {
	Enqueue(ctx context.Context, unit WorkUnit) error
}

// MessageHandler processes one delivered payload. A nil or permanent error
// acknowledges the message; any other error leaves it for redelivery.
type MessageHandler func(ctx context.Context, data []byte) error

// Consumer delivers queued payloads to a handler until the context ends.
type Consumer interface {
	Receive(ctx context.Context, handler MessageHandler) error
}

// Publisher pushes JSON payloads to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Signaler tells the launcher that new work is waiting.
type Signaler interface {
	Signal(ctx context.Context, signal LaunchSignal) error
}

// FleetManager creates, resizes and deletes the worker fleet.
type FleetManager interface {
	Create(ctx context.Context, spec FleetSpec) error
	SetDesiredCount(ctx context.Context, name string, count int) error
	Delete(ctx context.Context, name string, force bool) error
}

// Fetcher retrieves a homepage.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// RenderPromoter decides whether a plainly fetched page needs a headless render.
type RenderPromoter interface {
	ShouldRender(page Page) bool
}

// HostLimiter paces requests to the same host.
type HostLimiter interface {
	Wait(ctx context.Context, url string) error
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, url string) bool
}

// Extractor turns homepage HTML into a Summary.
type Extractor interface {
	Extract(html []byte) (Summary, error)
}

// RowSink mirrors result rows into a secondary store.
type RowSink interface {
	StoreRows(ctx context.Context, chunkIndex int, rows []Row) error
}

// Deduper reports whether a key is seen for the first time. Forget releases
// a key so a later delivery is treated as new.
type Deduper interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}
