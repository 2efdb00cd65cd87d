// Package app assembles quarryd's components and runs the service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/quarryd/quarryd/internal/api"
	"github.com/quarryd/quarryd/internal/clock/system"
	"github.com/quarryd/quarryd/internal/config"
	"github.com/quarryd/quarryd/internal/detector"
	"github.com/quarryd/quarryd/internal/events"
	eventsinks "github.com/quarryd/quarryd/internal/events/sinks"
	"github.com/quarryd/quarryd/internal/extractor"
	headlessfetcher "github.com/quarryd/quarryd/internal/fetcher/headless"
	staticfetcher "github.com/quarryd/quarryd/internal/fetcher/static"
	"github.com/quarryd/quarryd/internal/hash/sha256"
	"github.com/quarryd/quarryd/internal/id/token"
	"github.com/quarryd/quarryd/internal/jobs"
	"github.com/quarryd/quarryd/internal/logging"
	"github.com/quarryd/quarryd/internal/metrics"
	"github.com/quarryd/quarryd/internal/politeness"
	memorypublisher "github.com/quarryd/quarryd/internal/publisher/memory"
	gcppublisher "github.com/quarryd/quarryd/internal/publisher/pubsub"
	queuememory "github.com/quarryd/quarryd/internal/queue/memory"
	"github.com/quarryd/quarryd/internal/resilience"
	"github.com/quarryd/quarryd/internal/scrape"
	"github.com/quarryd/quarryd/internal/scraper"
	gcsstorage "github.com/quarryd/quarryd/internal/storage/gcs"
	localstorage "github.com/quarryd/quarryd/internal/storage/local"
	memorystorage "github.com/quarryd/quarryd/internal/storage/memory"
	"go.uber.org/zap"
)

// Version is the service version reported by the API, the CLI, and the
// MCP server.
const Version = "1.0.0"

// shutdownTimeout bounds graceful shutdown: HTTP drain, worker drain,
// and sink flush all share it.
const shutdownTimeout = 10 * time.Second

// App contains the assembled service components plus the handles needed
// to shut them down in order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	manager   *jobs.Manager
	pipeline  *scraper.Pipeline
	admission *politeness.Coordinator
	resil     *resilience.Coordinator
	apiServer *api.Server
	hub       *events.Hub

	headlessRenderer *headlessfetcher.Renderer
	pubsubClient     *pubsub.Client
	pubsubPublisher  *gcppublisher.Publisher
	storageClient    *storage.Client
}

// Build creates the full component graph from configuration. Nothing is
// started: workers and the HTTP listener come up in Run, so callers that
// only need the manager (the CLI, the MCP server) can drive it directly.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application components", zap.Any("config", cfg.Sanitized()))

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	app.hub = setupEvents(app)

	clk := system.New()
	admission := setupAdmission(app, clk)
	resil := setupResilience(app)

	fetcher := staticfetcher.New(staticfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout(),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})
	var renderer scrape.Renderer
	if cfg.Headless.Enabled {
		r := headlessfetcher.NewChromedp(headlessfetcher.Config{
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout(),
			WaitAfterLoad:     cfg.Headless.SettleWait(),
		})
		app.headlessRenderer = r
		renderer = r
		logger.Info("headless rendering enabled",
			zap.Duration("nav_timeout", cfg.Headless.NavTimeout()),
			zap.Int("max_instances", cfg.Jobs.MaxRenderInstances),
		)
	} else {
		renderer = headlessfetcher.NewNoop()
		logger.Info("headless rendering disabled")
	}

	renderGate := scrape.NewGate(cfg.Jobs.MaxRenderInstances)
	app.pipeline = scraper.NewPipeline(
		fetcher,
		renderer,
		detector.New(0),
		extractor.New(),
		admission,
		resil,
		renderGate,
		sha256.New(),
		clk,
		app.hub,
		logger,
	)

	queue := queuememory.New(cfg.Jobs.MaxQueueSize)
	store := jobs.NewStore(clk)
	app.manager = jobs.New(jobs.Config{
		MaxConcurrentJobs:  cfg.Jobs.MaxConcurrentJobs,
		MaxRenderInstances: cfg.Jobs.MaxRenderInstances,
		WorkerCount:        cfg.Jobs.WorkerCount,
		PublishTopic:       cfg.PubSub.Topic,
		ArtifactPrefix:     cfg.Storage.Prefix,
		ContentType:        cfg.Storage.ContentType,
	}, store, queue, app.pipeline, blobStore, publisher, app.hub, clk, token.New(), renderGate, logger)

	app.admission = admission
	app.resil = resil
	app.apiServer = api.NewServer(app.manager, admission, resil, cfg, Version, logger.Named("api"))

	return app, nil
}

// Run starts the workers and the HTTP server, then blocks until the
// context is canceled or a termination signal arrives. Shutdown drains
// the listener and the worker pool before closing the infrastructure.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.manager.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
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
	if err := a.manager.Stop(shutdownCtx); err != nil {
		a.logger.Warn("worker drain incomplete", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close releases infrastructure handles. Run calls it after draining;
// callers that never Run (the CLI) call it directly once the manager is
// stopped.
func (a *App) Close(ctx context.Context) error {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
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
	if a.headlessRenderer != nil {
		a.headlessRenderer.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

// Manager exposes the job manager for in-process frontends.
func (a *App) Manager() *jobs.Manager { return a.manager }

// Pipeline exposes the scrape pipeline for one-off probe fetches.
func (a *App) Pipeline() *scraper.Pipeline { return a.pipeline }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

func setupStorage(ctx context.Context, app *App) (scrape.BlobStore, error) {
	switch app.cfg.Storage.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storageClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case "memory":
		app.logger.Info("using in-memory storage")
		return memorystorage.NewBlobStore(), nil
	default:
		blobStore, err := localstorage.New(localstorage.Config{
			BaseDir: app.cfg.Jobs.OutputDir,
		})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage", zap.String("dir", app.cfg.Jobs.OutputDir))
		return blobStore, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (scrape.Publisher, error) {
	if !app.cfg.PubSub.Enabled || app.cfg.PubSub.Topic == "" {
		app.logger.Info("Pub/Sub notifications disabled, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.pubsubPublisher = gcppublisher.New(client.Topic(app.cfg.PubSub.Topic))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return app.pubsubPublisher, nil
}

func setupEvents(app *App) *events.Hub {
	sinkList := []events.Sink{eventsinks.NewLogSink(app.logger.Named("events"))}
	promSink, err := eventsinks.NewPrometheusSink(nil)
	if err != nil {
		// Duplicate registration, e.g. a second Build in one process.
		app.logger.Warn("prometheus event sink unavailable", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	return events.NewHub(events.Config{
		Logger: app.logger.Named("event_hub"),
	}, sinkList...)
}

func setupAdmission(app *App, clk scrape.Clock) *politeness.Coordinator {
	cfg := app.cfg.Politeness
	rotator := politeness.NewRotator(nil)
	limiter := politeness.NewLimiter(politeness.LimiterConfig{
		DefaultDelay: cfg.DefaultDelay(),
		MaxPerDomain: cfg.MaxPerDomain,
	}, clk)
	checker := politeness.NewChecker(politeness.CheckerConfig{
		Agent:        cfg.RobotsAgent,
		TTL:          cfg.RobotsTTL(),
		FetchTimeout: cfg.RobotsTimeout(),
	}, nil, clk, app.logger)
	return politeness.NewCoordinator(politeness.CoordinatorConfig{
		RespectRobots: cfg.RespectRobots,
		RotateAgents:  cfg.RotateUserAgents,
	}, checker, limiter, rotator, app.logger)
}

func setupResilience(app *App) *resilience.Coordinator {
	logger := app.logger.Named("breaker")
	return resilience.NewCoordinator(resilience.BreakerConfig{
		FailureThreshold: app.cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  app.cfg.Resilience.RecoveryTimeout(),
		OnStateChange: func(key string, from, to resilience.State) {
			metrics.ObserveBreakerTransition(key, to.String())
			if to == resilience.StateOpen {
				logger.Warn("circuit opened",
					zap.String("domain", key),
					zap.String("from", from.String()),
				)
				return
			}
			logger.Info("circuit state change",
				zap.String("domain", key),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}, app.logger)
}
