// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/api"
	"github.com/JakeFAU/preprint-harvester/internal/assets"
	"github.com/JakeFAU/preprint-harvester/internal/catalog"
	"github.com/JakeFAU/preprint-harvester/internal/clock/system"
	"github.com/JakeFAU/preprint-harvester/internal/config"
	"github.com/JakeFAU/preprint-harvester/internal/dispatcher"
	"github.com/JakeFAU/preprint-harvester/internal/enrich"
	"github.com/JakeFAU/preprint-harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/preprint-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/preprint-harvester/internal/hash/sha256"
	"github.com/JakeFAU/preprint-harvester/internal/id/uuid"
	"github.com/JakeFAU/preprint-harvester/internal/logging"
	"github.com/JakeFAU/preprint-harvester/internal/metrics"
	"github.com/JakeFAU/preprint-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/preprint-harvester/internal/policy/retry"
	"github.com/JakeFAU/preprint-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/preprint-harvester/internal/progress/sinks"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	memorypublisher "github.com/JakeFAU/preprint-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/preprint-harvester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/preprint-harvester/internal/queue/memory"
	"github.com/JakeFAU/preprint-harvester/internal/schedule"
	"github.com/JakeFAU/preprint-harvester/internal/scraper"
	gcsstorage "github.com/JakeFAU/preprint-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/preprint-harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/preprint-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/preprint-harvester/internal/storage/postgres"
	s3storage "github.com/JakeFAU/preprint-harvester/internal/storage/s3"
	"github.com/JakeFAU/preprint-harvester/internal/store"
	"github.com/JakeFAU/preprint-harvester/internal/textproc/llm"
	"github.com/JakeFAU/preprint-harvester/internal/textproc/static"
)

type closablePublisher interface {
	publication.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       publication.Store
	pg          *pgstore.Store
	runs        store.RunRepository
	progressHub *progress.Hub
	emitter     progress.Emitter
	blobs       assets.BlobStore
	gcs         *storage.Client
	publisher   closablePublisher
	assets      *assets.Fetcher
	engines     map[string]*scraper.Engine
	pipeline    *enrich.Pipeline
	jobs        *Jobs
	queue       *queueMemory.Queue
	dispatch    *dispatcher.Dispatcher
	scheduler   *schedule.Scheduler
	apiServer   *api.Server
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger, emitter: progress.Discard}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()
	metrics.Init()
	app.logger.Info("building application dependencies",
		zap.Strings("servers", cfg.Catalog.Servers),
		zap.Bool("database", cfg.HasDatabase()),
		zap.String("assets_backend", cfg.Assets.Backend),
		zap.String("processor", cfg.Enrich.Processor),
	)

	if app.blobs, err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if app.publisher, err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		return nil, err
	}

	policy := retry.New(cfg.Retry)
	remote := fetcher.Limited{
		Next:   collyfetcher.New(cfg.HTTP),
		Waiter: ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.Catalog.RequestsPerSecond, Burst: cfg.Catalog.Burst}),
	}

	app.assets, err = assets.New(cfg.Assets.FetcherConfig(cfg.Catalog.Servers...), remote, app.blobs, app.store,
		assets.WithRetryPolicy(policy),
		assets.WithEmitter(app.emitter),
		assets.WithHasher(sha256.New()),
		assets.WithLogger(logger.Named("assets")),
	)
	if err != nil {
		return nil, fmt.Errorf("asset fetcher init failed: %w", err)
	}
	if err = setupEngines(app, remote, policy); err != nil {
		return nil, err
	}
	if err = setupPipeline(app, policy); err != nil {
		return nil, err
	}

	app.jobs = NewJobs(app.engines, cfg.Catalog.Servers, app.assets, app.pipeline, logger.Named("jobs"))
	app.queue = queueMemory.NewQueue(cfg.Dispatcher.QueueDepth)
	app.dispatch = dispatcher.New(app.queue, cfg.Dispatcher.Workers,
		dispatcher.WithLogger(logger.Named("dispatcher")),
		dispatcher.WithJobTimeout(cfg.Dispatcher.JobTimeout),
	)
	if err = setupScheduler(app); err != nil {
		return nil, err
	}

	app.apiServer, err = api.NewServer(cfg.Server.Config, app.store, app.runs, app.jobs, app.dispatch,
		api.WithLogger(logger.Named("api")),
		api.WithClock(system.New()),
	)
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the publication store.
func (a *App) Store() publication.Store { return a.store }

// Runs returns the run history repository.
func (a *App) Runs() store.RunRepository { return a.runs }

// Assets returns the PDF fetcher.
func (a *App) Assets() *assets.Fetcher { return a.assets }

// Pipeline returns the enrichment pipeline.
func (a *App) Pipeline() *enrich.Pipeline { return a.pipeline }

// Jobs returns the sync and backfill jobs shared by the API, the scheduler
// and the CLI.
func (a *App) Jobs() *Jobs { return a.jobs }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Migrate applies the schema and registers the summary method. It requires
// a database.
func (a *App) Migrate(ctx context.Context) error {
	if a.pg == nil {
		return errors.New("migrate requires db.dsn")
	}
	if err := a.pg.Migrate(ctx); err != nil {
		return err
	}
	return saveSummaryMethod(ctx, a)
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Dispatcher.Workers))
		a.dispatch.Run(ctx)
	}()

	if a.scheduler != nil {
		a.scheduler.Start(ctx)
		for name, next := range a.scheduler.Next() {
			a.logger.Info("schedule armed", zap.String("job", name), zap.Time("next", next))
		}
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop timed out", zap.Error(err))
		}
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher still draining at shutdown")
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil && !isSyncNoise(err) {
		return fmt.Errorf("logger sync: %w", err)
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		stats := a.progressHub.Stats()
		if stats.Dropped > 0 || stats.SinkErrors > 0 {
			a.logger.Warn("progress delivery incomplete",
				zap.Int64("dropped", stats.Dropped),
				zap.Int64("sink_errors", stats.SinkErrors),
				zap.Int64("accepted", stats.Accepted))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

// isSyncNoise matches the error zap reports when syncing a terminal.
func isSyncNoise(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

func setupStorage(ctx context.Context, app *App) (assets.BlobStore, error) {
	cfg := app.cfg.Assets
	switch cfg.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcs = client
		blobs, err := gcsstorage.New(client, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "s3":
		app.logger.Info("using S3 storage backend",
			zap.String("bucket", cfg.S3.Bucket),
			zap.String("endpoint", cfg.S3.Endpoint),
		)
		client, err := s3storage.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		blobs, err := s3storage.New(client, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", cfg.Local.BaseDir))
		blobs, err := localstorage.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if !app.cfg.HasDatabase() {
		app.logger.Warn("no DSN specified for database, using in-memory publication and run stores")
		mem := memoryStorage.NewPublicationStore()
		app.store = mem
		app.runs = memoryStorage.NewRunStore()
		return saveSummaryMethod(ctx, app)
	}
	pg, err := pgstore.Connect(ctx, app.cfg.DB,
		pgstore.WithSummaryMethod(app.cfg.Enrich.SummaryMethodID),
		pgstore.WithAssetRoot(strings.TrimSuffix(app.blobs.URI(""), "/")),
		pgstore.WithLogger(app.logger.Named("postgres")),
	)
	if err != nil {
		return fmt.Errorf("publication store init failed: %w", err)
	}
	app.pg = pg
	app.store = pg
	app.runs = pg
	app.logger.Info("publication store initialized", zap.Bool("auto_migrate", app.cfg.DB.AutoMigrate))
	if !app.cfg.DB.AutoMigrate {
		return nil
	}
	return saveSummaryMethod(ctx, app)
}

func saveSummaryMethod(ctx context.Context, app *App) error {
	e := app.cfg.Enrich
	if err := app.store.SaveSummaryMethod(ctx, e.SummaryMethodID, e.SummaryMethodName); err != nil {
		return fmt.Errorf("register summary method: %w", err)
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) (closablePublisher, error) {
	if app.cfg.Sync.Topic == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(1024), nil
	}
	pub, err := gcppublisher.Connect(ctx, app.cfg.PubSub)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.Sync.Topic),
	)
	return pub, nil
}

func setupProgress(ctx context.Context, app *App) error {
	pc := app.cfg.Progress
	if !pc.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil
	}
	var sinkList []progress.Sink
	if pc.StoreEnabled && app.runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")))
		app.logger.Debug("added progress store sink")
	}
	if pc.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	if pc.Prometheus {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		app.logger.Debug("added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(pc.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(pc.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.emitter = app.progressHub
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func setupEngines(app *App, remote fetcher.Fetcher, policy *retry.Policy) error {
	app.engines = make(map[string]*scraper.Engine, len(app.cfg.Catalog.Servers))
	for _, server := range app.cfg.Catalog.Servers {
		log := app.logger.Named("sync").With(zap.String("server", server))
		client, err := catalog.New(catalog.Config{BaseURL: app.cfg.Catalog.ServerURL(server), Server: server}, remote,
			catalog.WithRetryPolicy(policy),
			catalog.WithLogger(log.Named("catalog")),
		)
		if err != nil {
			return fmt.Errorf("catalog client %s init failed: %w", server, err)
		}
		engine, err := scraper.New(scraper.Config{
			Server:       server,
			DefaultStart: app.cfg.Sync.DefaultStart,
			CacheFirst:   app.cfg.Sync.CacheFirst,
			FetchPDFs:    app.cfg.Sync.FetchPDFs,
			Topic:        app.cfg.Sync.Topic,
		}, client, app.store,
			scraper.WithAssetFetcher(app.assets),
			scraper.WithPublisher(app.publisher),
			scraper.WithClock(system.New()),
			scraper.WithIDGenerator(uuid.New()),
			scraper.WithEmitter(app.emitter),
			scraper.WithLogger(log),
		)
		if err != nil {
			return fmt.Errorf("sync engine %s init failed: %w", server, err)
		}
		app.engines[server] = engine
	}
	return nil
}

func setupPipeline(app *App, policy *retry.Policy) error {
	ec := app.cfg.Enrich
	var proc publication.TextProcessor
	switch ec.Processor {
	case "llm":
		llmCfg := ec.LLM
		if llmCfg.MaxKeywords == 0 {
			llmCfg.MaxKeywords = ec.MaxKeywords
		}
		p, err := llm.New(llmCfg, llm.WithRetryPolicy(policy), llm.WithLogger(app.logger.Named("llm")))
		if err != nil {
			return fmt.Errorf("llm processor init failed: %w", err)
		}
		proc = p
		app.logger.Info("using llm text processor", zap.String("model", llmCfg.Model))
	default:
		proc = static.New(ec.MaxKeywords)
		app.logger.Info("using static text processor", zap.Int("max_keywords", ec.MaxKeywords))
	}
	pipeline, err := enrich.New(ec.Config, app.store, proc,
		enrich.WithAssetFetcher(app.assets),
		enrich.WithEmitter(app.emitter),
		enrich.WithLogger(app.logger.Named("enrich")),
	)
	if err != nil {
		return fmt.Errorf("enrichment pipeline init failed: %w", err)
	}
	app.pipeline = pipeline
	return nil
}

func setupScheduler(app *App) error {
	sc := app.cfg.Schedule
	if !sc.Enabled {
		return nil
	}
	app.scheduler = schedule.New(schedule.WithLogger(app.logger.Named("schedule")))
	err := app.scheduler.Add("sync", sc.SyncCron, func(ctx context.Context) error {
		return app.jobs.EnqueueScheduled(ctx, app.dispatch, sc.Backfill)
	})
	if err != nil {
		return fmt.Errorf("schedule init failed: %w", err)
	}
	return nil
}
