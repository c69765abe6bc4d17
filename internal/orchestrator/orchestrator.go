// Package orchestrator drives one crawl run: discover the page count,
// schedule one job per page, drain the queue, and return the final stats.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/review-crawler/internal/clock/system"
	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/dispatcher"
	iduuid "github.com/JakeFAU/review-crawler/internal/id/uuid"
	"github.com/JakeFAU/review-crawler/internal/progress"
	"github.com/JakeFAU/review-crawler/internal/queue"
	"github.com/JakeFAU/review-crawler/internal/stats"
)

// State is the lifecycle phase of the current run.
type State string

// Run phases.
const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateScheduling  State = "scheduling"
	StateDraining    State = "draining"
	StateDone        State = "done"
	StateAborted     State = "aborted"
)

// errEmptyFirstPage aborts discovery when the first page has no records.
var errEmptyFirstPage = errors.New("first page has no reviews")

// PageResolver resolves the records of one page, cache first.
type PageResolver interface {
	Resolve(ctx context.Context, target crawler.Target, pageNumber int, opts crawler.ScrapeOptions) (crawler.Resolution, error)
}

// RunIDGenerator mints the ID of each run.
type RunIDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Config tunes a run.
type Config struct {
	// Concurrency bounds the number of page jobs in flight.
	Concurrency int
	// Window bounds the Reviews and Screenshots windows of the stats.
	Window int
	// StaleGrace is the age past which leftover job records are cleaned
	// before scheduling.
	StaleGrace time.Duration
	// RunIDs mints run IDs. Nil uses time-ordered UUIDs.
	RunIDs RunIDGenerator
	// Tracer starts run and page spans. Nil uses the global provider.
	Tracer trace.Tracer
}

// Orchestrator runs crawls one at a time over a shared queue.
type Orchestrator struct {
	cfg      Config
	source   crawler.PageSource
	resolver PageResolver
	queue    queue.Queue
	emitter  progress.Emitter
	clock    crawler.Clock
	logger   *zap.Logger

	runMu sync.Mutex

	stateMu sync.RWMutex
	state   State
	runID   uuid.UUID
}

// New validates collaborators and builds an Orchestrator. A nil emitter
// discards progress events and a nil clock uses the system clock.
func New(
	cfg Config,
	source crawler.PageSource,
	resolver PageResolver,
	q queue.Queue,
	emitter progress.Emitter,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if source == nil {
		return nil, errors.New("page source is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RunIDs == nil {
		cfg.RunIDs = iduuid.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/JakeFAU/review-crawler/internal/orchestrator")
	}
	return &Orchestrator{
		cfg:      cfg,
		source:   source,
		resolver: resolver,
		queue:    q,
		emitter:  emitter,
		clock:    clock,
		logger:   logger.Named("orchestrator"),
		state:    StateIdle,
	}, nil
}

// State reports the phase of the current or last run.
func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

// RunID returns the ID of the current or last run.
func (o *Orchestrator) RunID() uuid.UUID {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.runID
}

// Run crawls target and returns its final stats. A discovery failure returns
// the empty result with a crawler.DiscoveryError. Cancellation while draining
// returns the partial stats with the context error. Concurrent calls are
// serialized.
func (o *Orchestrator) Run(ctx context.Context, target crawler.Target, opts crawler.ScrapeOptions) (crawler.Stats, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	runID, err := o.cfg.RunIDs.NewRawID()
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("generate run id: %w", err)
	}
	ctx, span := o.cfg.Tracer.Start(ctx, "crawl.run", trace.WithAttributes(
		attribute.String("crawl.run_id", runID.String()),
		attribute.String("crawl.target", target.ID),
		attribute.Int("crawl.starting_page", target.StartingPageNumber),
	))
	defer span.End()

	logger := o.logger.With(zap.String("run_id", runID.String()), zap.String("target", target.ID))
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With(zap.String("trace_id", sc.TraceID().String()))
	}
	r := &run{
		id:     runID,
		target: target,
		opts:   opts,
		agg:    stats.New(target, o.clock, o.cfg.Window),
		o:      o,
		logger: logger,
	}
	o.begin(runID)
	r.emit(progress.Event{Stage: progress.StageRunStart})
	r.logger.Info("run started",
		zap.Int("starting_page", target.StartingPageNumber),
		zap.Bool("cache", opts.Cache),
		zap.Bool("proxy", opts.UseProxy),
		zap.Bool("headless", opts.Headless),
	)

	snap, err := o.discover(ctx, r)
	if err != nil {
		o.setState(StateAborted)
		r.emit(progress.Event{Stage: progress.StageRunAborted, Note: err.Error()})
		r.logger.Warn("discovery failed", zap.Error(err))
		failSpan(span, err)
		return crawler.Stats{}, err
	}

	o.setState(StateScheduling)
	jobs, err := o.schedule(ctx, r, snap)
	if err != nil {
		o.setState(StateAborted)
		final := r.agg.Finish()
		r.emit(progress.Event{Stage: progress.StageRunAborted, Note: err.Error(), Stats: &final})
		failSpan(span, err)
		return final, err
	}

	o.setState(StateDraining)
	if err := o.drain(ctx, r, jobs); err != nil {
		o.setState(StateAborted)
		final := r.agg.Finish()
		r.emit(progress.Event{Stage: progress.StageRunAborted, Note: err.Error(), Stats: &final, Dur: final.Elapsed})
		r.logger.Warn("run aborted", zap.Error(err), zap.Int("scraped_pages", final.ScrapedPages))
		failSpan(span, err)
		return final, err
	}

	o.setState(StateDone)
	final := r.agg.Finish()
	r.emit(progress.Event{Stage: progress.StageRunDone, Stats: &final, Dur: final.Elapsed})
	span.SetAttributes(
		attribute.Int("crawl.total_pages", final.TotalPages),
		attribute.Int("crawl.scraped_pages", final.ScrapedPages),
		attribute.Int("crawl.failed_pages", final.FailedPages),
	)
	r.logger.Info("run finished",
		zap.Int("total_pages", final.TotalPages),
		zap.Int("scraped_pages", final.ScrapedPages),
		zap.Int("failed_pages", final.FailedPages),
		zap.Int("skipped_pages", final.SkippedPages),
		zap.Int("scraped_reviews", final.ScrapedReviewsCount),
		zap.Float64("accuracy", final.Accuracy),
		zap.Duration("elapsed", final.Elapsed),
	)
	return final, nil
}

// discover fetches the review count and resolves the first page
// concurrently, then fixes TotalPages.
func (o *Orchestrator) discover(ctx context.Context, r *run) (crawler.Stats, error) {
	o.setState(StateDiscovering)
	start := r.target.StartingPageNumber

	var (
		count int
		first crawler.Resolution
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := o.source.FetchTotalCount(gctx, r.target, start)
		if err != nil {
			return fmt.Errorf("fetch review count: %w", err)
		}
		count = n
		return nil
	})
	g.Go(func() error {
		res, err := o.resolver.Resolve(gctx, r.target, start, r.opts)
		if err != nil {
			return fmt.Errorf("resolve first page: %w", err)
		}
		first = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return crawler.Stats{}, crawler.DiscoveryError{Target: r.target.ID, Err: err}
	}
	if len(first.Reviews) == 0 {
		return crawler.Stats{}, crawler.DiscoveryError{Target: r.target.ID, Err: errEmptyFirstPage}
	}

	snap, err := r.agg.Discover(count, len(first.Reviews))
	if err != nil {
		return crawler.Stats{}, crawler.DiscoveryError{Target: r.target.ID, Err: err}
	}
	r.emit(progress.Event{Stage: progress.StageDiscovered, Stats: &snap, Source: first.Source})
	r.logger.Info("discovered",
		zap.Int("review_count", snap.ProductReviewsCount),
		zap.Int("page_size", snap.PageSize),
		zap.Int("total_pages", snap.TotalPages),
		zap.String("first_page_source", string(first.Source)),
	)
	return snap, nil
}

// schedule drops the records of earlier runs and seeds one job per page.
// Completed records are routine; the other states mean a run was aborted.
func (o *Orchestrator) schedule(ctx context.Context, r *run, snap crawler.Stats) ([]queue.Job, error) {
	for _, state := range []queue.State{queue.StateWaiting, queue.StateActive, queue.StateFailed, queue.StateCompleted} {
		n, err := o.queue.Clean(o.cfg.StaleGrace, state)
		if err != nil {
			return nil, fmt.Errorf("clean %s jobs: %w", state, err)
		}
		switch {
		case n == 0:
		case state == queue.StateCompleted:
			r.logger.Debug("cleaned finished jobs", zap.Int("count", n))
		default:
			r.logger.Info("cleaned stale jobs", zap.String("state", string(state)), zap.Int("count", n))
		}
	}

	start := r.target.StartingPageNumber
	if snap.TotalPages < start {
		return nil, nil
	}
	pages := make([]crawler.PageJob, 0, snap.TotalPages-start+1)
	for p := start; p <= snap.TotalPages; p++ {
		pages = append(pages, crawler.PageJob{PageNumber: p})
	}
	jobs, err := o.queue.Add(ctx, pages...)
	if err != nil {
		return nil, fmt.Errorf("enqueue pages: %w", err)
	}
	r.logger.Debug("pages scheduled", zap.Int("first", start), zap.Int("last", snap.TotalPages))
	return jobs, nil
}

// drain runs the workers until the queue drains or ctx ends.
func (o *Orchestrator) drain(ctx context.Context, r *run, jobs []queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	drained := o.queue.Drained()
	d := dispatcher.New(o.queue, r.handle, o.cfg.Concurrency, o.logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(runCtx)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
	}
	cancel()
	<-done
	return ctx.Err()
}

func (o *Orchestrator) begin(id uuid.UUID) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.runID = id
	o.state = StateDiscovering
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.state = s
}

// run carries the per-run state shared by the page handler.
type run struct {
	id     uuid.UUID
	target crawler.Target
	opts   crawler.ScrapeOptions
	agg    *stats.Aggregator
	o      *Orchestrator
	logger *zap.Logger
}

// handle resolves one page job and folds the outcome into the stats.
func (r *run) handle(ctx context.Context, job queue.Job) error {
	page := job.Page.PageNumber
	ctx, span := r.o.cfg.Tracer.Start(ctx, "crawl.page", trace.WithAttributes(attribute.Int("crawl.page", page)))
	defer span.End()

	if r.agg.ShouldSkip(page) {
		span.SetAttributes(attribute.Bool("crawl.skipped", true))
		snap := r.agg.RecordSkip(page)
		r.emit(progress.Event{Stage: progress.StagePageSkipped, Page: page, Stats: &snap})
		return nil
	}

	began := r.o.clock.Now()
	res, err := r.o.resolver.Resolve(ctx, r.target, page, r.opts)
	if err != nil {
		snap := r.agg.RecordFailure(page)
		r.emit(progress.Event{Stage: progress.StagePageFailed, Page: page, Stats: &snap, Note: err.Error()})
		failSpan(span, err)
		return err
	}

	snap := r.agg.RecordPage(page, res.Reviews, res.Screenshot)
	span.SetAttributes(attribute.String("crawl.source", string(res.Source)), attribute.Int("crawl.reviews", len(res.Reviews)))
	r.emit(progress.Event{
		Stage:   progress.StagePageDone,
		Page:    page,
		Source:  res.Source,
		Reviews: len(res.Reviews),
		Stats:   &snap,
		Dur:     r.o.clock.Now().Sub(began),
	})
	if snap.NoMoreReviewsPageNumber == page {
		r.logger.Info("end of data", zap.Int("page", page))
	}
	return nil
}

func (r *run) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(r.id)
	evt.TS = r.o.clock.Now()
	evt.Target = r.target.ID
	r.o.emitter.Emit(evt)
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}
