// Package server builds the pipeline components from configuration and runs
// the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-summary-fanout/internal/api"
	"github.com/JakeFAU/site-summary-fanout/internal/clock/system"
	"github.com/JakeFAU/site-summary-fanout/internal/config"
	redisdedupe "github.com/JakeFAU/site-summary-fanout/internal/dedupe/redis"
	"github.com/JakeFAU/site-summary-fanout/internal/extract"
	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	collyfetcher "github.com/JakeFAU/site-summary-fanout/internal/fetcher/colly"
	"github.com/JakeFAU/site-summary-fanout/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/site-summary-fanout/internal/fetcher/headless"
	"github.com/JakeFAU/site-summary-fanout/internal/fetcher/ratelimit"
	computefleet "github.com/JakeFAU/site-summary-fanout/internal/fleet/compute"
	memoryfleet "github.com/JakeFAU/site-summary-fanout/internal/fleet/memory"
	"github.com/JakeFAU/site-summary-fanout/internal/id/uuid"
	"github.com/JakeFAU/site-summary-fanout/internal/launcher"
	"github.com/JakeFAU/site-summary-fanout/internal/logging"
	memorypublisher "github.com/JakeFAU/site-summary-fanout/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-summary-fanout/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/site-summary-fanout/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/site-summary-fanout/internal/queue/pubsub"
	"github.com/JakeFAU/site-summary-fanout/internal/reaper"
	pgresults "github.com/JakeFAU/site-summary-fanout/internal/results/postgres"
	"github.com/JakeFAU/site-summary-fanout/internal/robots"
	"github.com/JakeFAU/site-summary-fanout/internal/splitter"
	gcsstorage "github.com/JakeFAU/site-summary-fanout/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-summary-fanout/internal/storage/local"
	memoryStorage "github.com/JakeFAU/site-summary-fanout/internal/storage/memory"
	"github.com/JakeFAU/site-summary-fanout/internal/telemetry"
	"github.com/JakeFAU/site-summary-fanout/internal/trigger"
	"github.com/JakeFAU/site-summary-fanout/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store     fanout.ObjectStore
	queue     fanout.WorkQueue
	consumer  fanout.Consumer
	publisher fanout.Publisher
	fleet     fanout.FleetManager

	Splitter *splitter.Splitter
	Worker   *worker.Worker
	Launcher *launcher.Launcher
	Reaper   *reaper.Reaper
	Trigger  *trigger.Trigger

	apiServer *api.Server

	storageClient   *storage.Client
	pubsubClient    *pubsub.Client
	pubsubQueue     *queuePubSub.Queue
	pubsubPublisher *gcppublisher.Publisher
	memoryQueue     *queueMemory.Queue
	computeFleet    *computefleet.Fleet
	headless        *headlessfetcher.Fetcher
	rowSink         *pgresults.RowSink
	deduper         *redisdedupe.Deduper
	stopTracing     telemetry.ShutdownFunc
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("fleet", cfg.Fleet.Backend),
	)

	steps := []func(context.Context) error{
		app.setupTelemetry,
		app.setupStorage,
		app.setupMessaging,
		app.setupFleet,
		app.setupComponents,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}

	app.apiServer = api.NewServer(app.Handlers(), api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the configured object store.
func (a *App) Store() fanout.ObjectStore {
	return a.store
}

// Fleet returns the configured fleet manager.
func (a *App) Fleet() fanout.FleetManager {
	return a.fleet
}

// Handlers returns the component entry points.
func (a *App) Handlers() api.Handlers {
	return api.Handlers{
		Trigger: a.Trigger,
		Split:   a.Splitter,
		Work:    a.Worker,
		Launch:  a.Launcher,
		Reap:    a.Reaper,
		Ready:   a.ready,
	}
}

// ready reports whether the object store answers a listing of the chunk prefix.
func (a *App) ready(ctx context.Context) error {
	if _, err := a.store.List(ctx, a.cfg.Pipeline.Layout().ChunkPrefix); err != nil {
		return fmt.Errorf("storage not ready: %w", err)
	}
	return nil
}

// WatchReaper polls the reaper every interval until the run is done or idle.
func (a *App) WatchReaper(ctx context.Context, interval time.Duration) fanout.Result {
	return a.Reaper.HandleWatch(ctx, interval)
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunWorker consumes work units until ctx ends.
func (a *App) RunWorker(ctx context.Context) error {
	if a.consumer == nil {
		return errors.New("no work subscription configured")
	}
	if err := a.Worker.Run(ctx, a.consumer); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// ProvisionPubSub creates the configured topics and work subscription.
func (a *App) ProvisionPubSub(ctx context.Context) error {
	if a.pubsubClient == nil {
		return errors.New("pubsub is not configured")
	}
	return queuePubSub.Provision(ctx, a.pubsubClient, queuePubSub.Resources{
		ProjectID:          a.cfg.PubSub.ProjectID,
		Topics:             []string{a.cfg.PubSub.WorkTopic, a.cfg.PubSub.SignalTopic, a.cfg.PubSub.SplitTopic},
		Subscription:       a.cfg.PubSub.WorkSubscription,
		SubscriptionTopic:  a.cfg.PubSub.WorkTopic,
		AckDeadlineSeconds: a.cfg.PubSub.AckDeadlineSeconds,
	})
}

// Run serves HTTP, plus the embedded worker when enabled, until the context is
// canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.cfg.Worker.Embedded {
		g.Go(func() error {
			return a.RunWorker(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close gracefully shuts down the application.
func (a *App) Close() error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure() {
	if a.memoryQueue != nil {
		a.memoryQueue.Close()
	}
	if a.pubsubQueue != nil {
		a.pubsubQueue.Stop()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.computeFleet != nil {
		if err := a.computeFleet.Close(); err != nil {
			a.logger.Warn("compute client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.rowSink != nil {
		a.rowSink.Close()
	}
	if a.deduper != nil {
		if err := a.deduper.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.stopTracing(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) setupTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	stop, err := telemetry.Init(ctx, telemetry.Config{
		Tracing:     tc.Tracing,
		ServiceName: tc.ServiceName,
		Version:     tc.Version,
		ProjectID:   tc.ProjectID,
		SampleRatio: tc.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.stopTracing = stop
	if tc.Tracing {
		a.logger.Info("tracing enabled", zap.String("project", tc.ProjectID), zap.Float64("sample_ratio", tc.SampleRatio))
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		a.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.store, err = gcsstorage.New(a.storageClient, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		a.store, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory storage backend")
		a.store = memoryStorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupMessaging(ctx context.Context) error {
	ps := a.cfg.PubSub
	needsClient := a.cfg.Queue.Backend == config.BackendPubSub || ps.SplitTopic != ""
	if needsClient {
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, ps.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = gcppublisher.New(a.pubsubClient)
		a.publisher = a.pubsubPublisher
		a.logger.Info("Pub/Sub publisher initialized", zap.String("project", ps.ProjectID))
	} else {
		a.logger.Warn("No Pub/Sub project in use, using in-memory publisher")
		a.publisher = memorypublisher.New()
	}

	if a.cfg.Queue.Backend == config.BackendPubSub {
		q, err := queuePubSub.New(a.pubsubClient, queuePubSub.Config{
			Topic:          ps.WorkTopic,
			Subscription:   ps.WorkSubscription,
			MaxOutstanding: ps.MaxOutstanding,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.pubsubQueue = q
		a.queue, a.consumer = q, q
		a.logger.Info("using Pub/Sub work queue",
			zap.String("topic", ps.WorkTopic),
			zap.String("subscription", ps.WorkSubscription),
		)
		return nil
	}
	a.memoryQueue = queueMemory.NewQueue(a.cfg.Queue.MemoryCapacity)
	a.queue, a.consumer = a.memoryQueue, a.memoryQueue
	a.logger.Info("using in-memory work queue", zap.Int("capacity", a.cfg.Queue.MemoryCapacity))
	return nil
}

func (a *App) setupFleet(ctx context.Context) error {
	if a.cfg.Fleet.Backend != config.BackendCompute {
		a.logger.Info("using in-memory fleet manager")
		a.fleet = memoryfleet.New()
		return nil
	}
	client, err := compute.NewInstanceGroupManagersRESTClient(ctx)
	if err != nil {
		return fmt.Errorf("compute client init failed: %w", err)
	}
	a.computeFleet, err = computefleet.New(client, computefleet.Config{
		ProjectID: a.cfg.Fleet.ProjectID,
		Zone:      a.cfg.Fleet.Zone,
	})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("compute fleet init failed: %w", err)
	}
	a.fleet = a.computeFleet
	a.logger.Info("using Compute Engine fleet manager",
		zap.String("project", a.cfg.Fleet.ProjectID),
		zap.String("zone", a.cfg.Fleet.Zone),
	)
	return nil
}

func (a *App) setupComponents(ctx context.Context) error {
	layout := a.cfg.Pipeline.Layout()

	a.Launcher = launcher.New(a.store, a.fleet, launcher.Config{
		Layout:    layout,
		FleetName: a.cfg.Fleet.Name,
		Template:  a.cfg.Fleet.Template,
	}, a.logger.Named("launcher"))
	a.Reaper = reaper.New(a.store, a.fleet, reaper.Config{
		Layout:    layout,
		FleetName: a.cfg.Fleet.Name,
	}, a.logger.Named("reaper"))

	var signaler fanout.Signaler = launcher.DirectSignaler{Launcher: a.Launcher}
	if a.pubsubPublisher != nil && a.cfg.PubSub.SignalTopic != "" {
		signaler = launcher.PublishSignaler{Publisher: a.publisher, Topic: a.cfg.PubSub.SignalTopic}
	}
	a.Splitter = splitter.New(a.store, a.queue, signaler, system.New(), splitter.Config{
		Bucket:      a.storageBucket(),
		Layout:      layout,
		ChunkCount:  a.cfg.Pipeline.ChunkCount,
		Concurrency: a.cfg.Pipeline.SplitConcurrency,
	}, a.logger.Named("splitter"))

	if err := a.setupWorker(ctx, layout); err != nil {
		return err
	}

	var starter trigger.Starter = trigger.InlineStarter{Splitter: a.Splitter, IDs: uuid.New()}
	if a.cfg.PubSub.SplitTopic != "" {
		starter = trigger.PublishStarter{Publisher: a.publisher, Topic: a.cfg.PubSub.SplitTopic}
	}
	var deduper fanout.Deduper
	if rc := a.cfg.Dedupe.Redis; rc.Addr != "" {
		d, err := redisdedupe.New(ctx, redisdedupe.Config{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			TTL:      rc.TTL,
		})
		if err != nil {
			return fmt.Errorf("redis deduper init failed: %w", err)
		}
		a.deduper = d
		deduper = d
		a.logger.Info("notification dedupe enabled", zap.String("addr", rc.Addr), zap.Duration("ttl", rc.TTL))
	}
	a.Trigger = trigger.New(starter, deduper, trigger.Config{
		Layout: layout,
		Bucket: a.storageBucket(),
	}, a.logger.Named("trigger"))
	return nil
}

func (a *App) setupWorker(ctx context.Context, layout fanout.Layout) error {
	sc := a.cfg.Scrape
	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: sc.UserAgent, Timeout: sc.Timeout})
	a.logger.Info("using colly fetcher", zap.String("user_agent", sc.UserAgent))

	var fallback fanout.Fetcher
	if sc.Headless.Enabled {
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       sc.Headless.MaxParallel,
			UserAgent:         sc.UserAgent,
			NavigationTimeout: sc.Headless.NavTimeout,
		})
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = h
		fallback = h
		a.logger.Info("using headless fallback fetcher", zap.Int("max_parallel", sc.Headless.MaxParallel))
	}

	var sink fanout.RowSink
	if pg := a.cfg.Results.Postgres; pg.DSN != "" {
		rs, err := pgresults.New(ctx, pgresults.Config{DSN: pg.DSN, Table: pg.Table, MaxConns: pg.MaxConns})
		if err != nil {
			return fmt.Errorf("results store init failed: %w", err)
		}
		if err := rs.EnsureSchema(ctx); err != nil {
			rs.Close()
			return fmt.Errorf("results schema init failed: %w", err)
		}
		a.rowSink = rs
		sink = rs
		a.logger.Info("mirroring result rows to postgres", zap.String("table", pg.Table))
	}

	policy := robots.New(sc.RespectRobots, robots.Config{
		UserAgent: sc.UserAgent,
		Timeout:   sc.RobotsTimeout,
	}, a.logger.Named("robots"))
	extractor := extract.New(extract.Config{
		MaxParagraphs:      sc.MaxParagraphs,
		MinParagraphLength: sc.MinParagraphLength,
		MaxNavLinks:        sc.MaxNavLinks,
	})
	wc := worker.Config{
		Layout:      layout,
		Concurrency: sc.Concurrency,
	}
	if sc.HostRPS > 0 {
		wc.Limiter = ratelimit.New(ratelimit.Config{RPS: sc.HostRPS, Burst: sc.HostBurst})
	}
	if fallback != nil && sc.Headless.Promote {
		wc.Promoter = detector.NewHeuristic(sc.Headless.PromoteThreshold)
	}
	a.Worker = worker.New(a.store, fetcher, fallback, policy, extractor, sink, wc, a.logger.Named("worker"))
	return nil
}

// storageBucket is the bucket requests must name. Local and memory stores
// accept any bucket.
func (a *App) storageBucket() string {
	if a.cfg.Storage.Backend == config.BackendGCS {
		return a.cfg.Storage.Bucket
	}
	return ""
}
