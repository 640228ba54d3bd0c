package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	"github.com/JakeFAU/site-summary-fanout/internal/splitter"
)

// Starter begins a split and returns a run identifier.
type Starter interface {
	Start(ctx context.Context, req fanout.SplitRequest) (string, error)
}

// InlineStarter runs the splitter synchronously.
type InlineStarter struct {
	Splitter *splitter.Splitter
	IDs      fanout.IDGenerator
}

// Start splits req and returns a freshly generated run ID.
func (s InlineStarter) Start(ctx context.Context, req fanout.SplitRequest) (string, error) {
	if s.Splitter == nil || s.IDs == nil {
		return "", errors.New("inline starter is not configured")
	}
	runID, err := s.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("new run id: %w", err)
	}
	if _, err := s.Splitter.Split(ctx, req); err != nil {
		return "", fmt.Errorf("run %s: %w", runID, err)
	}
	return runID, nil
}

// PublishStarter hands the split request to a splitter subscribed to Topic.
// The message ID is the run ID.
type PublishStarter struct {
	Publisher fanout.Publisher
	Topic     string
}

// Start publishes req.
func (s PublishStarter) Start(ctx context.Context, req fanout.SplitRequest) (string, error) {
	if s.Publisher == nil || s.Topic == "" {
		return "", errors.New("publish starter is not configured")
	}
	id, err := s.Publisher.Publish(ctx, s.Topic, req)
	if err != nil {
		return "", fmt.Errorf("publish split request: %w", err)
	}
	return id, nil
}
