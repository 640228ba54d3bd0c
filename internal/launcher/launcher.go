// Package launcher sizes and creates the worker fleet from the chunk backlog.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	"github.com/JakeFAU/site-summary-fanout/internal/metrics"
)

// Outcome is the result of one launch attempt.
type Outcome int

const (
	// OutcomeNoChunks means there was nothing to work on.
	OutcomeNoChunks Outcome = iota
	// OutcomeCreated means a new fleet was created.
	OutcomeCreated
	// OutcomeAlreadyRunning means the fleet already existed.
	OutcomeAlreadyRunning
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChunks:
		return "no_chunks"
	case OutcomeCreated:
		return "created"
	case OutcomeAlreadyRunning:
		return "already_running"
	default:
		return "unknown"
	}
}

// Config names the fleet and where chunks live.
type Config struct {
	Layout    fanout.Layout
	FleetName string
	Template  string
}

// Report describes one launch attempt.
type Report struct {
	Outcome Outcome
	Chunks  int
}

// Launcher implements the fleet launcher.
type Launcher struct {
	store  fanout.ObjectStore
	fleet  fanout.FleetManager
	cfg    Config
	logger *zap.Logger
}

// New constructs a Launcher.
func New(store fanout.ObjectStore, fleet fanout.FleetManager, cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{store: store, fleet: fleet, cfg: cfg, logger: logger}
}

// Launch creates a fleet with one worker per distinct chunk. A fleet that
// already exists is reported, not modified.
func (l *Launcher) Launch(ctx context.Context) (Report, error) {
	objects, err := l.store.List(ctx, l.cfg.Layout.ChunkPrefix)
	if err != nil {
		return Report{}, fmt.Errorf("list chunks: %w", err)
	}
	chunks := len(fanout.Indices(objects, l.cfg.Layout.ChunkSuffix))
	report := Report{Chunks: chunks}
	if chunks == 0 {
		report.Outcome = OutcomeNoChunks
		return report, nil
	}

	spec := fanout.FleetSpec{Name: l.cfg.FleetName, Template: l.cfg.Template, DesiredCount: chunks}
	err = l.fleet.Create(ctx, spec)
	switch {
	case err == nil:
		metrics.ObserveFleetAction("create", "created")
		l.logger.Info("fleet created", zap.String("fleet", spec.Name), zap.Int("workers", chunks))
		report.Outcome = OutcomeCreated
		return report, nil
	case errors.Is(err, fanout.ErrFleetExists):
		metrics.ObserveFleetAction("create", "exists")
		l.logger.Info("fleet already exists", zap.String("fleet", spec.Name))
		report.Outcome = OutcomeAlreadyRunning
		return report, nil
	default:
		metrics.ObserveFleetAction("create", "error")
		return report, fmt.Errorf("create fleet %s: %w", spec.Name, err)
	}
}

// Handle runs Launch and reports the outcome as a Result.
func (l *Launcher) Handle(ctx context.Context) fanout.Result {
	return fanout.Guard(l.logger, "launcher", func() fanout.Result {
		report, err := l.Launch(ctx)
		if err != nil {
			l.logger.Error("launch failed", zap.Error(err))
			return fanout.ErrorResult(err)
		}
		switch report.Outcome {
		case OutcomeNoChunks:
			return fanout.OK("No chunk files found. Fleet %s not created.", l.cfg.FleetName)
		case OutcomeAlreadyRunning:
			return fanout.Result{
				StatusCode: http.StatusConflict,
				Body:       fmt.Sprintf("Fleet %s already exists.", l.cfg.FleetName),
			}
		default:
			return fanout.OK("Fleet %s created with %d workers.", l.cfg.FleetName, report.Chunks)
		}
	})
}

// HandleSignal runs Handle for a well-formed launch signal.
func (l *Launcher) HandleSignal(ctx context.Context, sig fanout.LaunchSignal) fanout.Result {
	if sig.Trigger != fanout.LaunchTrigger {
		return fanout.Result{
			StatusCode: http.StatusBadRequest,
			Body:       fmt.Sprintf("Unknown trigger %q", sig.Trigger),
		}
	}
	l.logger.Info("launch signal received",
		zap.String("source", sig.Source),
		zap.String("input_key", sig.InputKey),
		zap.Int("chunks", sig.Chunks),
	)
	return l.Handle(ctx)
}
