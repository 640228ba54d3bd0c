package launcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

// DirectSignaler launches in-process.
type DirectSignaler struct {
	Launcher *Launcher
}

// Signal runs the launcher. An already running fleet is not an error.
func (s DirectSignaler) Signal(ctx context.Context, _ fanout.LaunchSignal) error {
	if s.Launcher == nil {
		return errors.New("launcher is not configured")
	}
	if _, err := s.Launcher.Launch(ctx); err != nil {
		return fmt.Errorf("launch fleet: %w", err)
	}
	return nil
}

// PublishSignaler publishes the signal for an out-of-process launcher.
type PublishSignaler struct {
	Publisher fanout.Publisher
	Topic     string
}

// Signal publishes sig on the configured topic.
func (s PublishSignaler) Signal(ctx context.Context, sig fanout.LaunchSignal) error {
	if s.Publisher == nil || s.Topic == "" {
		return errors.New("signal publisher is not configured")
	}
	if _, err := s.Publisher.Publish(ctx, s.Topic, sig); err != nil {
		return fmt.Errorf("publish launch signal: %w", err)
	}
	return nil
}
