// Package app builds and holds the long-lived services of the crawler. It is
// the dependency injection container shared by every CLI command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/api"
	"github.com/JakeFAU/review-crawler/internal/clock/system"
	"github.com/JakeFAU/review-crawler/internal/config"
	"github.com/JakeFAU/review-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/review-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/review-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/review-crawler/internal/hash/sha256"
	"github.com/JakeFAU/review-crawler/internal/headless/detector"
	"github.com/JakeFAU/review-crawler/internal/id/uuid"
	"github.com/JakeFAU/review-crawler/internal/logging"
	"github.com/JakeFAU/review-crawler/internal/orchestrator"
	amazonparser "github.com/JakeFAU/review-crawler/internal/parser/amazon"
	"github.com/JakeFAU/review-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/review-crawler/internal/policy/retry"
	"github.com/JakeFAU/review-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/review-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/review-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/review-crawler/internal/queue/memory"
	"github.com/JakeFAU/review-crawler/internal/resolver"
	amazonsource "github.com/JakeFAU/review-crawler/internal/source/amazon"
	"github.com/JakeFAU/review-crawler/internal/storage"
	badgerstorage "github.com/JakeFAU/review-crawler/internal/storage/badger"
	localstorage "github.com/JakeFAU/review-crawler/internal/storage/local"
	lrustorage "github.com/JakeFAU/review-crawler/internal/storage/lru"
	memorystorage "github.com/JakeFAU/review-crawler/internal/storage/memory"
	"github.com/JakeFAU/review-crawler/internal/store"
	runsmemory "github.com/JakeFAU/review-crawler/internal/store/memory"
	"github.com/JakeFAU/review-crawler/internal/telemetry"
)

const acceptLanguage = "en-US,en;q=0.9"

// targetDigestSize bounds cache directory names derived from unsafe targets.
const targetDigestSize = 32

// ErrClosed is returned by operations on a closed App.
var ErrClosed = errors.New("app is closed")

// headlessCloser is the headless fetcher as held by the App.
type headlessCloser interface {
	crawler.Fetcher
	Close()
}

// App holds the shared, long-lived services of the application.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	cache        crawler.CacheStore
	cacheClose   func() error
	headless     headlessCloser
	pubsubClient *pubsub.Client
	ownsPubSub   bool
	publisher    *gcppublisher.Publisher
	progressHub  *progress.Hub
	queue        *queueMemory.Queue
	runs         *runsmemory.Runs
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	tracer       *sdktrace.TracerProvider

	closed atomic.Bool
}

type buildOptions struct {
	logger       *zap.Logger
	transport    http.RoundTripper
	registerer   prometheus.Registerer
	pubsubClient *pubsub.Client
}

// Option customizes Build.
type Option func(*buildOptions)

// WithLogger uses logger instead of building one from the config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// WithTransport routes every direct HTTP fetch through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *buildOptions) {
		o.transport = rt
	}
}

// WithRegisterer registers the progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) {
		o.registerer = reg
	}
}

// WithPubSubClient publishes stats through client instead of dialing the
// configured project. The caller keeps ownership of the client.
func WithPubSubClient(client *pubsub.Client) Option {
	return func(o *buildOptions) {
		o.pubsubClient = client
	}
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := bo.logger
	if logger == nil {
		var err error
		logger, err = logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("base_url", cfg.Crawler.BaseURL),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	if err := a.build(ctx, bo); err != nil {
		if closeErr := a.Close(context.Background()); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, bo buildOptions) error {
	var err error
	if a.cfg.Telemetry.Enabled {
		a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: a.cfg.Telemetry.ServiceName,
			SampleRatio: a.cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
	}
	if a.cache, a.cacheClose, err = setupCache(a.cfg, a.logger); err != nil {
		return err
	}

	source, err := a.setupSource(bo)
	if err != nil {
		return err
	}

	res, err := resolver.New(
		resolver.Config{PurgeCorrupt: a.cfg.Cache.PurgeCorrupt},
		source,
		amazonparser.New(),
		a.cache,
		a.logger.Named("resolver"),
	)
	if err != nil {
		return fmt.Errorf("resolver init failed: %w", err)
	}

	a.runs = runsmemory.NewRuns(a.cfg.Server.MaxRuns)
	if err = a.setupProgress(ctx, bo); err != nil {
		return err
	}

	clock := system.New()
	a.queue = queueMemory.NewQueue(clock, uuid.New())
	a.orchestrator, err = orchestrator.New(
		orchestrator.Config{
			Concurrency: a.cfg.Crawler.Concurrency,
			Window:      a.cfg.Crawler.Window,
		},
		source,
		res,
		a.queue,
		a.progressHub,
		clock,
		a.logger.Named("orchestrator"),
	)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.runs, a.logger.Named("api"), api.WithReadiness(a.ready))
	return nil
}

func setupCache(cfg config.Config, logger *zap.Logger) (crawler.CacheStore, func() error, error) {
	layout := storage.NewLayout(sha256.NewTruncated(targetDigestSize))
	var (
		cache   crawler.CacheStore
		closeFn func() error
	)
	switch cfg.Cache.Backend {
	case config.CacheLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: cfg.Cache.Dir}, layout)
		if err != nil {
			return nil, nil, fmt.Errorf("local cache init failed: %w", err)
		}
		cache = local
		logger.Info("using local cache", zap.String("dir", cfg.Cache.Dir))
	case config.CacheBadger:
		dir := filepath.Join(cfg.Cache.Dir, "badger")
		db, err := badgerstorage.New(badgerstorage.Config{Dir: dir}, layout, logger.Named("badger"))
		if err != nil {
			return nil, nil, fmt.Errorf("badger cache init failed: %w", err)
		}
		cache, closeFn = db, db.Close
		logger.Info("using badger cache", zap.String("dir", dir))
	default:
		cache = memorystorage.New(layout)
		logger.Info("using in-memory cache")
	}

	if cfg.Cache.LRUSize > 0 {
		memo, err := lrustorage.New(cache, cfg.Cache.LRUSize)
		if err != nil {
			if closeFn != nil {
				_ = closeFn()
			}
			return nil, nil, fmt.Errorf("lru cache init failed: %w", err)
		}
		cache = memo
		logger.Debug("lru cache enabled", zap.Int("size", cfg.Cache.LRUSize))
	}
	return cache, closeFn, nil
}

func (a *App) setupSource(bo buildOptions) (*amazonsource.Source, error) {
	fetcherOpts := []collyfetcher.Option{
		collyfetcher.WithLimiter(ratelimit.New(ratelimit.Config{
			RequestsPerSecond: a.cfg.Crawler.RequestsPerSecond,
			Burst:             a.cfg.Crawler.Burst,
		})),
	}
	if bo.transport != nil {
		fetcherOpts = append(fetcherOpts, collyfetcher.WithTransport(bo.transport))
	}
	httpFetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:       a.cfg.Crawler.UserAgent,
		RandomUserAgent: a.cfg.Crawler.RandomUserAgent,
		Proxies:         a.cfg.Crawler.Proxies,
		Timeout:         a.cfg.FetchTimeout(),
	}, a.logger.Named("colly"), fetcherOpts...)
	if err != nil {
		return nil, fmt.Errorf("http fetcher init failed: %w", err)
	}
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Crawler.UserAgent),
		zap.Int("proxies", len(a.cfg.Crawler.Proxies)),
		zap.Float64("requests_per_second", a.cfg.Crawler.RequestsPerSecond),
	)

	if a.cfg.Headless.Enabled {
		chrome, chromeErr := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
			ProxyServer:       a.cfg.Headless.ProxyServer,
			Screenshot:        a.cfg.Headless.Screenshot,
		}, a.logger.Named("headless"))
		if chromeErr != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", chromeErr)
		}
		a.headless = chrome
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	} else {
		a.headless = headlessfetcher.NewNoop()
	}

	sourceOpts := []amazonsource.Option{
		amazonsource.WithHeadless(a.headless),
		amazonsource.WithRetry(retry.New(retry.Config{
			MaxAttempts: a.cfg.Crawler.MaxAttempts,
			BaseDelay:   time.Duration(a.cfg.HTTP.BackoffInitialMs) * time.Millisecond,
			MaxDelay:    time.Duration(a.cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		})),
	}
	if a.cfg.Headless.Enabled && a.cfg.Headless.Promote {
		sourceOpts = append(sourceOpts, amazonsource.WithPromoter(detector.NewHeuristic(a.cfg.Headless.PromotionThresh)))
		a.logger.Info("headless promotion enabled", zap.Int("threshold", a.cfg.Headless.PromotionThresh))
	}

	source, err := amazonsource.New(amazonsource.Config{
		BaseURL: a.cfg.Crawler.BaseURL,
		CountOptions: crawler.ScrapeOptions{
			UseProxy: a.cfg.Scrape.UseProxy,
			Headless: a.cfg.Scrape.Headless,
		},
		AcceptLanguage: acceptLanguage,
	}, httpFetcher, amazonparser.New(), a.logger.Named("source"), sourceOpts...)
	if err != nil {
		return nil, fmt.Errorf("page source init failed: %w", err)
	}
	return source, nil
}

func (a *App) setupProgress(ctx context.Context, bo buildOptions) error {
	reg := bo.registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")),
	}

	switch {
	case bo.pubsubClient != nil:
		a.pubsubClient = bo.pubsubClient
	case a.cfg.PubSub.ProjectID != "":
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.ownsPubSub = true
	}
	if a.pubsubClient != nil && a.cfg.PubSub.TopicName != "" {
		a.publisher = gcppublisher.New(a.pubsubClient.Topic(a.cfg.PubSub.TopicName))
		sinkList = append(sinkList, progresssinks.NewPublisherSink(
			a.publisher,
			a.cfg.PubSub.TopicName,
			a.logger.Named("progress_publisher"),
		))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	} else {
		a.logger.Debug("no Pub/Sub topic configured, stats are not published")
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.BatchWait(),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Runs exposes the run history read by the status API.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Handler returns the status API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Crawl runs one crawl of target to completion.
func (a *App) Crawl(ctx context.Context, target crawler.Target, opts crawler.ScrapeOptions) (crawler.Stats, error) {
	if a.closed.Load() {
		return crawler.Stats{}, ErrClosed
	}
	stats, err := a.orchestrator.Run(ctx, target, opts)
	if err != nil {
		return stats, fmt.Errorf("crawl %s: %w", target.ID, err)
	}
	return stats, nil
}

// Serve runs the status server until ctx is canceled. It returns
// immediately when the server is disabled.
func (a *App) Serve(ctx context.Context) error {
	if !a.cfg.Server.Enabled {
		a.logger.Debug("status server disabled")
		return nil
	}
	addr := ":" + strconv.Itoa(a.cfg.Server.Port)
	if err := a.apiServer.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (a *App) ready(context.Context) error {
	if a.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close flushes progress and releases every resource. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if a.queue != nil {
		a.queue.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil && a.ownsPubSub {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.cacheClose != nil {
		if err := a.cacheClose(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	// Sync fails on stderr/stdout for some platforms; the error is not actionable.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
