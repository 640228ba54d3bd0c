// Package trigger reacts to storage notifications by starting the splitter
// for newly written input lists.
package trigger

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	"github.com/JakeFAU/site-summary-fanout/internal/metrics"
)

// Config controls which objects start a run.
type Config struct {
	Layout fanout.Layout
	// Bucket, when set, is the only bucket whose events are accepted.
	Bucket string
}

// Trigger implements the ingestion trigger.
type Trigger struct {
	starter Starter
	deduper fanout.Deduper
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Trigger. deduper is optional.
func New(starter Starter, deduper fanout.Deduper, cfg Config, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{starter: starter, deduper: deduper, cfg: cfg, logger: logger}
}

// Matches reports whether n names an input list this trigger handles.
func (t *Trigger) Matches(n Notification) bool {
	if !n.Finalized() {
		return false
	}
	if t.cfg.Bucket != "" && n.Bucket != t.cfg.Bucket {
		return false
	}
	return t.cfg.Layout.IsInput(n.Key)
}

// Handle starts the splitter when n names a new input list.
func (t *Trigger) Handle(ctx context.Context, n Notification) fanout.Result {
	return fanout.Guard(t.logger, "trigger", func() fanout.Result {
		if strings.TrimSpace(n.Bucket) == "" || strings.TrimSpace(n.Key) == "" {
			metrics.ObserveTrigger("invalid")
			return fanout.Result{StatusCode: http.StatusBadRequest, Body: "Missing bucket or key in notification"}
		}
		logger := t.logger.With(zap.String("bucket", n.Bucket), zap.String("key", n.Key))
		if !t.Matches(n) {
			metrics.ObserveTrigger("skipped")
			logger.Debug("skipping notification", zap.String("event_type", n.EventType))
			return fanout.Result{StatusCode: http.StatusBadRequest, Body: fmt.Sprintf("Skipped non-matching file: %s", n.Key)}
		}

		// Without a generation a redelivery cannot be told apart from a new
		// upload of the same key, so only generation-bearing events are deduped.
		marked := false
		if t.deduper != nil && n.Generation != "" {
			first, err := t.deduper.FirstSeen(ctx, dedupeKey(n))
			switch {
			case err != nil:
				logger.Warn("dedupe check failed; starting anyway", zap.Error(err))
			case !first:
				metrics.ObserveTrigger("duplicate")
				logger.Info("duplicate notification ignored")
				return fanout.OK("Duplicate notification ignored for %s", n.Key)
			default:
				marked = true
			}
		}

		runID, err := t.starter.Start(ctx, fanout.SplitRequest{Bucket: n.Bucket, Key: n.Key, Generation: n.Generation})
		if err != nil {
			metrics.ObserveTrigger("error")
			logger.Error("failed to start splitter", zap.Error(err))
			if marked {
				if ferr := t.deduper.Forget(ctx, dedupeKey(n)); ferr != nil {
					logger.Warn("failed to release dedupe key; redelivery will be ignored until it expires", zap.Error(ferr))
				}
			}
			return fanout.ErrorResult(err)
		}
		metrics.ObserveTrigger("started")
		logger.Info("splitter started", zap.String("run_id", runID))
		return fanout.OK("Started splitter for %s. Run ID: %s", n.Key, runID)
	})
}

func dedupeKey(n Notification) string {
	return n.Bucket + "/" + n.Key + "#" + n.Generation
}
