// Package splitter partitions an input URL list into chunk objects, enqueues
// one work unit per chunk and signals the launcher.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	"github.com/JakeFAU/site-summary-fanout/internal/metrics"
)

const (
	defaultChunkCount  = 10
	defaultConcurrency = 4
	chunkContentType   = "text/plain; charset=utf-8"
)

// Config controls the splitter.
type Config struct {
	// Bucket, when set, is the only bucket the splitter accepts.
	Bucket      string
	Layout      fanout.Layout
	ChunkCount  int
	Concurrency int
}

// Report describes one split.
type Report struct {
	InputKey  string
	Lines     int
	ChunkSize int
	ChunkKeys []string
	Signalled bool
}

// Splitter implements the work splitter.
type Splitter struct {
	store    fanout.ObjectStore
	queue    fanout.WorkQueue
	signaler fanout.Signaler
	clock    fanout.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Splitter. signaler may be nil, in which case no launch
// signal is sent.
func New(
	store fanout.ObjectStore,
	queue fanout.WorkQueue,
	signaler fanout.Signaler,
	clock fanout.Clock,
	cfg Config,
	logger *zap.Logger,
) *Splitter {
	if cfg.ChunkCount <= 0 {
		cfg.ChunkCount = defaultChunkCount
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Splitter{
		store:    store,
		queue:    queue,
		signaler: signaler,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handle runs Split and reports the outcome as a Result.
func (s *Splitter) Handle(ctx context.Context, req fanout.SplitRequest) fanout.Result {
	return fanout.Guard(s.logger, "splitter", func() fanout.Result {
		report, err := s.Split(ctx, req)
		if err != nil {
			metrics.ObserveSplit("error")
			return fanout.ErrorResult(err)
		}
		if len(report.ChunkKeys) == 0 {
			metrics.ObserveSplit("empty")
			return fanout.OK("No lines in %s; nothing to enqueue.", report.InputKey)
		}
		metrics.ObserveSplit("split")
		return fanout.OK("Created and enqueued %d chunks from %s.", len(report.ChunkKeys), report.InputKey)
	})
}

// Split reads the input list, writes its chunks and enqueues their work
// units. Each chunk is written before its unit is enqueued. Output keys and
// bytes depend only on the input, so repeating a split overwrites identical
// objects.
func (s *Splitter) Split(ctx context.Context, req fanout.SplitRequest) (Report, error) {
	report := Report{InputKey: req.Key}
	if strings.TrimSpace(req.Bucket) == "" || strings.TrimSpace(req.Key) == "" {
		return report, fmt.Errorf("split request missing bucket or key: %w", fanout.ErrPermanent)
	}
	if s.cfg.Bucket != "" && req.Bucket != s.cfg.Bucket {
		return report, fmt.Errorf("bucket %q is not served here: %w", req.Bucket, fanout.ErrPermanent)
	}

	data, err := s.store.Get(ctx, req.Key)
	if errors.Is(err, fanout.ErrNotFound) {
		return report, fmt.Errorf("input list %s not found: %w", req.Key, fanout.ErrPermanent)
	}
	if err != nil {
		return report, fmt.Errorf("read input list %s: %w", req.Key, err)
	}

	lines := SplitLines(data)
	chunks := Partition(lines, s.cfg.ChunkCount)
	report.Lines = len(lines)
	if len(chunks) == 0 {
		s.logger.Info("input list is empty", zap.String("key", req.Key))
		return report, nil
	}
	report.ChunkSize = len(chunks[0])
	report.ChunkKeys = make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, chunk := range chunks {
		key := s.cfg.Layout.ChunkKey(i)
		report.ChunkKeys[i] = key
		body := []byte(strings.Join(chunk, "\n"))
		g.Go(func() error {
			if err := s.store.Put(gctx, key, chunkContentType, body); err != nil {
				return fmt.Errorf("write chunk %s: %w", key, err)
			}
			if err := s.queue.Enqueue(gctx, fanout.WorkUnit{Bucket: req.Bucket, Key: key}); err != nil {
				return fmt.Errorf("enqueue chunk %s: %w", key, err)
			}
			s.logger.Debug("chunk enqueued", zap.String("key", key), zap.Int("lines", len(chunk)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("split failed", zap.String("key", req.Key), zap.Error(err))
		return report, err
	}
	metrics.ObserveChunksWritten(len(chunks))
	s.logger.Info("created and enqueued chunks",
		zap.String("key", req.Key),
		zap.Int("lines", report.Lines),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", report.ChunkSize),
	)

	report.Signalled = s.signal(ctx, req.Key, len(chunks))
	return report, nil
}

func (s *Splitter) signal(ctx context.Context, inputKey string, chunks int) bool {
	if s.signaler == nil {
		metrics.ObserveLaunchSignal("disabled")
		return false
	}
	sig := fanout.LaunchSignal{
		Trigger:  fanout.LaunchTrigger,
		Source:   "splitter",
		InputKey: inputKey,
		Chunks:   chunks,
	}
	if s.clock != nil {
		sig.RequestedAt = s.clock.Now()
	}
	if err := s.signaler.Signal(ctx, sig); err != nil {
		metrics.ObserveLaunchSignal("error")
		s.logger.Error("launch signal failed; chunks remain queued",
			zap.String("key", inputKey),
			zap.Int("chunks", chunks),
			zap.Error(err),
		)
		return false
	}
	metrics.ObserveLaunchSignal("sent")
	return true
}
