// Package app wires the scan service together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/api"
	"github.com/pageparity/pageparity/internal/checks"
	"github.com/pageparity/pageparity/internal/config"
	"github.com/pageparity/pageparity/internal/csvsource"
	"github.com/pageparity/pageparity/internal/events"
	"github.com/pageparity/pageparity/internal/fetch"
	"github.com/pageparity/pageparity/internal/logging"
	"github.com/pageparity/pageparity/internal/notify"
	notifypubsub "github.com/pageparity/pageparity/internal/notify/pubsub"
	"github.com/pageparity/pageparity/internal/pipeline"
	"github.com/pageparity/pageparity/internal/queue"
	"github.com/pageparity/pageparity/internal/record"
	recordmemory "github.com/pageparity/pageparity/internal/record/memory"
	recordpostgres "github.com/pageparity/pageparity/internal/record/postgres"
	"github.com/pageparity/pageparity/internal/run"
	"github.com/pageparity/pageparity/internal/screenshot"
	"github.com/pageparity/pageparity/internal/storage"
	gcsstorage "github.com/pageparity/pageparity/internal/storage/gcs"
	localstorage "github.com/pageparity/pageparity/internal/storage/local"
	"github.com/pageparity/pageparity/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired dependencies for one service process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	runs        *run.Service
	broadcaster *events.Broadcaster

	runQueue  *queue.Queue
	fastQueue *queue.Queue
	slowQueue *queue.Queue

	pgStore      *recordpostgres.Store
	gcsBlobs     *gcsstorage.BlobStore
	capturer     *screenshot.ChromeCapturer
	pubsubClient *pubsub.Client

	telemetryUp bool
}

// Build constructs the full dependency graph from configuration. Components
// that depend on external services (postgres, GCS, pubsub) are only created
// when configured; everything else has an in-process default.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{cfg: cfg, logger: logger}

	if _, _, err := telemetry.Init(ctx, "pageparity", cfg.PubSub.ProjectID); err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	a.telemetryUp = true

	store, err := a.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := a.setupNotifier(ctx)
	if err != nil {
		return nil, err
	}

	a.broadcaster = events.NewBroadcaster(logger.Named("events"))

	a.runQueue = queue.New("run", cfg.Queues.Run, logger.Named("queue"))
	a.fastQueue = queue.New("fast", cfg.Queues.Fast, logger.Named("queue"))
	a.slowQueue = queue.New("slow", cfg.Queues.Slow, logger.Named("queue"))

	registry, err := a.setupChecks(blobs)
	if err != nil {
		return nil, err
	}

	prober := checks.NewProber(checks.ProberConfig{
		Timeout:   a.cfg.ProbeTimeout(),
		UserAgent: a.cfg.Probe.UserAgent,
	})
	fetcher := fetch.New(fetch.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})

	pipe := pipeline.New(store, registry, prober, fetcher, a.broadcaster,
		logger.Named("pipeline"), cfg.CheckTimeout())

	var source run.RowSource
	if cfg.Source.BaseURL != "" {
		source = csvsource.NewClient(csvsource.ClientConfig{
			BaseURL: cfg.Source.BaseURL,
			Timeout: time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
		})
		logger.Info("dashboard source configured", zap.String("base_url", cfg.Source.BaseURL))
	}

	a.runs = run.NewService(run.Config{
		Store:       store,
		Pipeline:    pipe,
		Broadcaster: a.broadcaster,
		RunQueue:    a.runQueue,
		FastQueue:   a.fastQueue,
		SlowQueue:   a.slowQueue,
		Source:      source,
		Notifier:    notifier,
		Logger:      logger.Named("runs"),
	})

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(api.Config{
		Store:       store,
		Runs:        a.runs,
		Broadcaster: a.broadcaster,
		Logger:      logger.Named("api"),
		APIKey:      apiKey,
	})

	return a, nil
}

// Run starts the HTTP server and event heartbeat, recovers interrupted runs,
// and blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.broadcaster.Heartbeat(ctx, a.cfg.Heartbeat())

	if err := a.runs.Recover(ctx); err != nil {
		a.logger.Warn("run recovery failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close drains the queues and releases external clients.
func (a *App) Close(ctx context.Context) error {
	for _, q := range []*queue.Queue{a.runQueue, a.fastQueue, a.slowQueue} {
		if q != nil {
			q.Close()
		}
	}
	if a.capturer != nil {
		a.capturer.Close()
	}
	if a.gcsBlobs != nil {
		if err := a.gcsBlobs.Close(); err != nil {
			a.logger.Warn("gcs close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.telemetryUp {
		if err := telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) setupStore(ctx context.Context) (record.Store, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database dsn configured, using in-memory store")
		return recordmemory.New(), nil
	}
	store, err := recordpostgres.New(ctx, recordpostgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        int32(a.cfg.DB.MaxConns),
		MinConns:        int32(a.cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeMinute) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store init: %w", err)
	}
	a.pgStore = store
	a.logger.Info("postgres store initialized")
	return store, nil
}

func (a *App) setupBlobStore(ctx context.Context) (storage.Store, error) {
	if a.cfg.Storage.GCSBucket != "" {
		blobs, err := gcsstorage.New(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init: %w", err)
		}
		a.gcsBlobs = blobs
		a.logger.Info("using gcs screenshot storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return storage.WithPrefix(blobs, a.cfg.Storage.Prefix), nil
	}
	blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
	if err != nil {
		return nil, fmt.Errorf("local blob store init: %w", err)
	}
	a.logger.Info("using local screenshot storage", zap.String("dir", a.cfg.Storage.LocalDir))
	return storage.WithPrefix(blobs, a.cfg.Storage.Prefix), nil
}

func (a *App) setupNotifier(ctx context.Context) (run.Notifier, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("pubsub not configured, run notifications disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init: %w", err)
	}
	a.pubsubClient = client
	publisher := notifypubsub.New(client.Publisher(a.cfg.PubSub.TopicName))
	a.logger.Info("pubsub notifier initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return notify.NewRunNotifier(publisher, a.cfg.PubSub.TopicName, a.logger.Named("notify")), nil
}

func (a *App) setupChecks(blobs storage.Store) (*checks.Registry, error) {
	capturer, err := screenshot.NewChrome(screenshot.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Headless.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot capturer init: %w", err)
	}
	a.capturer = capturer

	return checks.NewRegistry(
		checks.NewTextCheck(),
		checks.NewLinkCheck(checks.LinkCheckConfig{
			Timeout:     time.Duration(a.cfg.Checks.LinkTimeoutSeconds) * time.Second,
			Concurrency: a.cfg.Checks.LinkConcurrency,
			UserAgent:   a.cfg.Fetch.UserAgent,
		}),
		checks.NewScreenshotDesktop(capturer, blobs),
		checks.NewScreenshotMobile(capturer, blobs),
		checks.NewSEOCheck(),
	)
}
