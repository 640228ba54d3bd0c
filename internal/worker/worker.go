// Package worker scrapes the URLs of one chunk and writes its result artifact.
package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	"github.com/JakeFAU/site-summary-fanout/internal/metrics"
)

const (
	defaultConcurrency = 4
	resultContentType  = "text/csv; charset=utf-8"
	tracerName         = "github.com/JakeFAU/site-summary-fanout/internal/worker"
)

// Config controls Worker behavior.
type Config struct {
	Layout fanout.Layout
	// Concurrency bounds how many URLs of one chunk are scraped at once.
	Concurrency int
	// Limiter paces requests per host. Optional.
	Limiter fanout.HostLimiter
	// Promoter re-renders client-side pages with the fallback fetcher even
	// when the plain fetch succeeded. Optional.
	Promoter fanout.RenderPromoter
}

// Worker processes work units.
type Worker struct {
	store     fanout.ObjectStore
	fetcher   fanout.Fetcher
	fallback  fanout.Fetcher
	robots    fanout.RobotsPolicy
	extractor fanout.Extractor
	sink      fanout.RowSink
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. fallback, robots and sink are optional.
func New(
	store fanout.ObjectStore,
	fetcher fanout.Fetcher,
	fallback fanout.Fetcher,
	robots fanout.RobotsPolicy,
	extractor fanout.Extractor,
	sink fanout.RowSink,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     store,
		fetcher:   fetcher,
		fallback:  fallback,
		robots:    robots,
		extractor: extractor,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run feeds queued work units to the worker until ctx ends.
func (w *Worker) Run(ctx context.Context, consumer fanout.Consumer) error {
	w.logger.Info("worker consuming work units")
	if err := consumer.Receive(ctx, w.HandleMessage); err != nil {
		return fmt.Errorf("consume work units: %w", err)
	}
	return nil
}

// HandleMessage decodes a queue payload and processes it.
func (w *Worker) HandleMessage(ctx context.Context, data []byte) error {
	unit, err := fanout.DecodeWorkUnit(data)
	if err != nil {
		metrics.ObserveWorkUnit("invalid")
		w.logger.Warn("invalid work unit", zap.ByteString("payload", truncate(data, 256)), zap.Error(err))
		return err
	}
	return w.Process(ctx, unit)
}

// HandleBatch processes a batch of queue payloads. Failures are logged per
// record and do not stop the batch.
func (w *Worker) HandleBatch(ctx context.Context, records [][]byte) fanout.Result {
	return fanout.Guard(w.logger, "worker", func() fanout.Result {
		failed := 0
		for _, record := range records {
			if err := w.HandleMessage(ctx, record); err != nil {
				failed++
			}
		}
		if failed > 0 {
			w.logger.Warn("batch finished with failures", zap.Int("records", len(records)), zap.Int("failed", failed))
		}
		return fanout.OK("Batch processed: %d records, %d failed.", len(records), failed)
	})
}

// Handle processes a directly invoked work unit.
func (w *Worker) Handle(ctx context.Context, unit fanout.WorkUnit) fanout.Result {
	return fanout.Guard(w.logger, "worker", func() fanout.Result {
		if err := unit.Validate(); err != nil {
			return fanout.Result{StatusCode: http.StatusBadRequest, Body: "Missing 'bucket' or 'key' in event"}
		}
		if err := w.Process(ctx, unit); err != nil {
			return fanout.ErrorResult(err)
		}
		return fanout.OK("Scraped from %s", unit.Key)
	})
}

// Process scrapes every URL in the unit's chunk and writes one result row per
// non-blank line. A nil error means the artifact was written; a permanent
// error means the unit can never succeed.
func (w *Worker) Process(ctx context.Context, unit fanout.WorkUnit) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "worker.Process",
		trace.WithAttributes(attribute.String("fanout.chunk_key", unit.Key)))
	defer span.End()

	err := w.process(ctx, unit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *Worker) process(ctx context.Context, unit fanout.WorkUnit) error {
	if err := unit.Validate(); err != nil {
		metrics.ObserveWorkUnit("invalid")
		return err
	}
	index, ok := fanout.ChunkIndex(unit.Key)
	if !ok {
		metrics.ObserveWorkUnit("invalid")
		return fmt.Errorf("%s is not a chunk key: %w", unit.Key, fanout.ErrPermanent)
	}
	logger := w.logger.With(zap.String("key", unit.Key), zap.Int("chunk", index))

	data, err := w.store.Get(ctx, unit.Key)
	if err != nil {
		metrics.ObserveWorkUnit("read_failed")
		logger.Error("failed to read chunk", zap.Error(err))
		return fmt.Errorf("read chunk %s: %w", unit.Key, err)
	}

	urls := chunkURLs(data)
	start := time.Now()
	rows := w.scrapeAll(ctx, urls)
	if err := ctx.Err(); err != nil {
		metrics.ObserveWorkUnit("canceled")
		return fmt.Errorf("process chunk %s: %w", unit.Key, err)
	}

	body, err := encodeRows(rows)
	if err != nil {
		metrics.ObserveWorkUnit("encode_failed")
		return fmt.Errorf("encode results for %s: %w", unit.Key, err)
	}
	resultKey := w.cfg.Layout.ResultKey(unit.Key)
	if err := w.store.Put(ctx, resultKey, resultContentType, body); err != nil {
		metrics.ObserveWorkUnit("write_failed")
		logger.Error("failed to write results", zap.String("result_key", resultKey), zap.Error(err))
		return fmt.Errorf("write results %s: %w", resultKey, err)
	}

	if w.sink != nil {
		if err := w.sink.StoreRows(ctx, index, rows); err != nil {
			logger.Warn("row sink failed; artifact already written", zap.Error(err))
		}
	}

	metrics.ObserveWorkUnit("processed")
	logger.Info("chunk processed",
		zap.String("result_key", resultKey),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (w *Worker) scrapeAll(ctx context.Context, urls []string) []fanout.Row {
	rows := make([]fanout.Row, len(urls))
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i, site := range urls {
		g.Go(func() error {
			rows[i] = w.scrape(ctx, site)
			return nil
		})
	}
	_ = g.Wait()
	return rows
}

// scrape never fails: every problem turns into a placeholder row.
func (w *Worker) scrape(ctx context.Context, site string) fanout.Row {
	row := fanout.Row{Website: site, Content: fanout.PlaceholderText}
	if ctx.Err() != nil {
		metrics.ObserveRow("placeholder")
		return row
	}
	target := normalizeURL(site)
	logger := w.logger.With(zap.String("url", site), zap.String("site", metrics.SanitizeSite(target)))

	if w.robots != nil && !w.robots.Allowed(ctx, target) {
		logger.Info("blocked by robots.txt")
		metrics.ObserveRow("blocked")
		row.Content = fanout.BlockedText
		return row
	}

	page, err := w.fetch(ctx, target)
	if err != nil {
		logger.Info("homepage unavailable", zap.Error(err))
		metrics.ObserveRow("placeholder")
		return row
	}
	summary, err := w.extractor.Extract(page.Body)
	if err != nil {
		logger.Info("extraction failed", zap.Error(err))
		metrics.ObserveRow("placeholder")
		return row
	}
	text := summary.Text()
	if strings.TrimSpace(text) == "" {
		metrics.ObserveRow("placeholder")
		return row
	}
	metrics.ObserveRow("ok")
	row.Content = text
	return row
}

func (w *Worker) fetch(ctx context.Context, target string) (fanout.Page, error) {
	if w.cfg.Limiter != nil {
		if err := w.cfg.Limiter.Wait(ctx, target); err != nil {
			return fanout.Page{}, err
		}
	}
	page, err := w.fetcher.Fetch(ctx, target)
	if err == nil {
		metrics.ObserveFetch("http", page.Duration)
		return w.promote(ctx, target, page), nil
	}
	if w.fallback == nil || ctx.Err() != nil {
		return fanout.Page{}, err
	}
	w.logger.Debug("plain fetch failed; rendering headless", zap.String("url", target), zap.Error(err))
	page, ferr := w.fallback.Fetch(ctx, target)
	if ferr != nil {
		return fanout.Page{}, errors.Join(err, ferr)
	}
	metrics.ObserveFetch("headless", page.Duration)
	return page, nil
}

// promote swaps a client-rendered shell for its headless rendering. The plain
// page is kept when rendering fails.
func (w *Worker) promote(ctx context.Context, target string, page fanout.Page) fanout.Page {
	if w.fallback == nil || w.cfg.Promoter == nil || !w.cfg.Promoter.ShouldRender(page) {
		return page
	}
	rendered, err := w.fallback.Fetch(ctx, target)
	if err != nil {
		metrics.ObservePromotion("failed")
		w.logger.Debug("headless promotion failed; keeping plain page", zap.String("url", target), zap.Error(err))
		return page
	}
	metrics.ObservePromotion("rendered")
	metrics.ObserveFetch("headless", rendered.Duration)
	return rendered
}

// chunkURLs returns the non-blank lines of a chunk, trimmed.
func chunkURLs(data []byte) []string {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	var urls []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			urls = append(urls, line)
		}
	}
	return urls
}

// normalizeURL adds an https scheme to bare hostnames.
func normalizeURL(site string) string {
	if u, err := url.Parse(site); err == nil && u.Scheme != "" && u.Host != "" {
		return site
	}
	return "https://" + strings.TrimPrefix(site, "//")
}

func encodeRows(rows []fanout.Row) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write([]string{"website", "content"}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.Website, row.Content}); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[:n]
}
