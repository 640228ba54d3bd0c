// Package reaper decides from stored artifacts whether all chunks are done
// and tears the fleet down when they are.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	"github.com/JakeFAU/site-summary-fanout/internal/metrics"
)

// State is the completion state of a run.
type State int

const (
	// StateIdle means no chunks exist.
	StateIdle State = iota
	// StateWaiting means some chunks have no result yet.
	StateWaiting
	// StateDone means every chunk has a result.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Evaluate maps chunk and completion counts onto a State.
func Evaluate(chunks, completed int) State {
	switch {
	case chunks <= 0:
		return StateIdle
	case completed < chunks:
		return StateWaiting
	default:
		return StateDone
	}
}

// Config names the fleet and where chunks and results live.
type Config struct {
	Layout    fanout.Layout
	FleetName string
}

// Report describes one evaluation.
type Report struct {
	State     State
	Chunks    int
	Completed int
	// AlreadyRemoved is set when the fleet was gone before teardown.
	AlreadyRemoved bool
}

// Reaper implements the fleet reaper.
type Reaper struct {
	store  fanout.ObjectStore
	fleet  fanout.FleetManager
	cfg    Config
	logger *zap.Logger
}

// New constructs a Reaper.
func New(store fanout.ObjectStore, fleet fanout.FleetManager, cfg Config, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{store: store, fleet: fleet, cfg: cfg, logger: logger}
}

// Progress counts distinct chunks and the distinct chunks that have a result.
// A result whose index has no chunk is ignored.
func (r *Reaper) Progress(ctx context.Context) (chunks, completed int, err error) {
	chunkObjects, err := r.store.List(ctx, r.cfg.Layout.ChunkPrefix)
	if err != nil {
		return 0, 0, fmt.Errorf("list chunks: %w", err)
	}
	resultObjects, err := r.store.List(ctx, r.cfg.Layout.ResultPrefix)
	if err != nil {
		return 0, 0, fmt.Errorf("list results: %w", err)
	}
	chunkIdx := fanout.Indices(chunkObjects, r.cfg.Layout.ChunkSuffix)
	for i := range fanout.Indices(resultObjects, r.cfg.Layout.ResultSuffix) {
		if _, ok := chunkIdx[i]; ok {
			completed++
		}
	}
	return len(chunkIdx), completed, nil
}

// Reap evaluates progress and, when done, scales the fleet to zero and
// deletes it. A missing fleet counts as already torn down.
func (r *Reaper) Reap(ctx context.Context) (Report, error) {
	chunks, completed, err := r.Progress(ctx)
	if err != nil {
		return Report{}, err
	}
	metrics.ObserveProgress(chunks, completed)
	report := Report{State: Evaluate(chunks, completed), Chunks: chunks, Completed: completed}
	r.logger.Info("evaluated progress",
		zap.Int("chunks", chunks),
		zap.Int("completed", completed),
		zap.Stringer("state", report.State),
	)
	if report.State != StateDone {
		return report, nil
	}

	name := r.cfg.FleetName
	if err := r.fleet.SetDesiredCount(ctx, name, 0); err != nil {
		if errors.Is(err, fanout.ErrFleetNotFound) {
			metrics.ObserveFleetAction("scale_down", "not_found")
			report.AlreadyRemoved = true
			return report, nil
		}
		metrics.ObserveFleetAction("scale_down", "error")
		return report, fmt.Errorf("scale fleet %s to zero: %w", name, err)
	}
	metrics.ObserveFleetAction("scale_down", "ok")

	if err := r.fleet.Delete(ctx, name, true); err != nil {
		if errors.Is(err, fanout.ErrFleetNotFound) {
			metrics.ObserveFleetAction("delete", "not_found")
			report.AlreadyRemoved = true
			return report, nil
		}
		metrics.ObserveFleetAction("delete", "error")
		return report, fmt.Errorf("delete fleet %s: %w", name, err)
	}
	metrics.ObserveFleetAction("delete", "ok")
	r.logger.Info("fleet deleted", zap.String("fleet", name))
	return report, nil
}

// Handle runs Reap and reports the outcome as a Result.
func (r *Reaper) Handle(ctx context.Context) fanout.Result {
	return fanout.Guard(r.logger, "reaper", func() fanout.Result {
		report, err := r.Reap(ctx)
		if err != nil {
			r.logger.Error("reap failed", zap.Error(err))
			return fanout.ErrorResult(err)
		}
		return resultFor(report, r.cfg.FleetName)
	})
}

// Watch re-runs Reap every interval until the run is done or idle, or ctx
// ends. Failed evaluations are logged and retried on the next tick.
func (r *Reaper) Watch(ctx context.Context, interval time.Duration) (Report, error) {
	if interval <= 0 {
		return Report{}, errors.New("watch interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := r.Reap(ctx)
		switch {
		case err != nil:
			r.logger.Warn("reap attempt failed; retrying", zap.Error(err), zap.Duration("interval", interval))
		case report.State != StateWaiting:
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, fmt.Errorf("watch canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// HandleWatch runs Watch and reports the final evaluation as a Result.
func (r *Reaper) HandleWatch(ctx context.Context, interval time.Duration) fanout.Result {
	return fanout.Guard(r.logger, "reaper", func() fanout.Result {
		report, err := r.Watch(ctx, interval)
		if err != nil {
			return fanout.ErrorResult(err)
		}
		return resultFor(report, r.cfg.FleetName)
	})
}

func resultFor(report Report, fleet string) fanout.Result {
	switch {
	case report.State == StateIdle:
		return fanout.OK("No chunks found.")
	case report.State == StateWaiting:
		return fanout.OK("Waiting: %d of %d chunks processed.", report.Completed, report.Chunks)
	case report.AlreadyRemoved:
		return fanout.OK("Fleet %s already removed; all %d chunks processed.", fleet, report.Chunks)
	default:
		return fanout.OK("Deleted fleet %s after processing completed.", fleet)
	}
}
