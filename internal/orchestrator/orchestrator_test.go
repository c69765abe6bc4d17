package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/progress"
	"github.com/JakeFAU/review-crawler/internal/queue"
	"github.com/JakeFAU/review-crawler/internal/queue/memory"
)

type fakeSource struct {
	count int
	err   error
}

func (f *fakeSource) FetchPage(context.Context, crawler.Target, int, crawler.ScrapeOptions) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, errors.New("not used")
}

func (f *fakeSource) FetchTotalCount(context.Context, crawler.Target, int) (int, error) {
	return f.count, f.err
}

// fakeResolver serves a fixed number of reviews per page.
type fakeResolver struct {
	mu     sync.Mutex
	pages  map[int]int
	fail   map[int]error
	block  map[int]chan struct{}
	calls  map[int]int
	source crawler.Source
}

func newFakeResolver(pages map[int]int) *fakeResolver {
	return &fakeResolver{
		pages:  pages,
		fail:   map[int]error{},
		block:  map[int]chan struct{}{},
		calls:  map[int]int{},
		source: crawler.SourceLive,
	}
}

func (f *fakeResolver) Resolve(ctx context.Context, target crawler.Target, page int, _ crawler.ScrapeOptions) (crawler.Resolution, error) {
	f.mu.Lock()
	f.calls[page]++
	err := f.fail[page]
	n := f.pages[page]
	gate := f.block[page]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return crawler.Resolution{}, crawler.FetchError{Target: target.ID, PageNumber: page, Err: ctx.Err()}
		}
	}
	if err != nil {
		return crawler.Resolution{}, err
	}
	reviews := make([]crawler.Review, n)
	for i := range reviews {
		reviews[i] = crawler.Review{ID: fmt.Sprintf("p%d-r%d", page, i), Stars: 5}
	}
	return crawler.Resolution{Reviews: reviews, Source: f.source}, nil
}

func (f *fakeResolver) callCount(page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[page]
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

func (r *recordingEmitter) count(stage progress.Stage) int {
	n := 0
	for _, s := range r.stages() {
		if s == stage {
			n++
		}
	}
	return n
}

func newTestOrchestrator(t *testing.T, source crawler.PageSource, res PageResolver, concurrency int) (*Orchestrator, *memory.Queue, *recordingEmitter) {
	t.Helper()
	q := memory.NewQueue(nil, nil)
	t.Cleanup(q.Close)
	em := &recordingEmitter{}
	o, err := New(Config{Concurrency: concurrency}, source, res, q, em, nil, nil)
	require.NoError(t, err)
	return o, q, em
}

func mustTarget(t *testing.T, id string, start int) crawler.Target {
	t.Helper()
	target, err := crawler.NewTarget(id, start)
	require.NoError(t, err)
	return target
}

func TestRunScrapesAllPages(t *testing.T) {
	t.Parallel()

	res := newFakeResolver(map[int]int{1: 10, 2: 10, 3: 5})
	o, q, em := newTestOrchestrator(t, &fakeSource{count: 25}, res, 3)

	stats, err := o.Run(context.Background(), mustTarget(t, "B07", 1), crawler.ScrapeOptions{Cache: true})
	require.NoError(t, err)

	require.Equal(t, 10, stats.PageSize)
	require.Equal(t, 3, stats.TotalPages)
	require.Equal(t, 3, stats.ScrapedPages)
	require.Equal(t, 25, stats.ScrapedReviewsCount)
	require.InDelta(t, 1.0, stats.Accuracy, 1e-9)
	require.Zero(t, stats.NoMoreReviewsPageNumber)
	require.Len(t, stats.Reviews, 10)
	require.NotNil(t, stats.Finish)
	require.Equal(t, StateDone, o.State())

	// The first page is resolved once for discovery and once as a job.
	require.Equal(t, 2, res.callCount(1))
	require.Equal(t, 1, res.callCount(3))

	require.Equal(t, queue.Counts{Completed: 3}, q.Stats())
	stages := em.stages()
	require.Equal(t, progress.StageRunStart, stages[0])
	require.Equal(t, progress.StageDiscovered, stages[1])
	require.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	require.Equal(t, 3, em.count(progress.StagePageDone))
}

func TestRunLastPageSizeFollowsCompletionOrder(t *testing.T) {
	t.Parallel()

	res := newFakeResolver(map[int]int{1: 10, 2: 10, 3: 5})
	o, _, _ := newTestOrchestrator(t, &fakeSource{count: 25}, res, 1)

	stats, err := o.Run(context.Background(), mustTarget(t, "B07", 1), crawler.ScrapeOptions{})
	require.NoError(t, err)
	require.Equal(t, 5, stats.LastPageSize)
}

func TestRunDiscoveryFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		source *fakeSource
		pages  map[int]int
		fail   error
	}{
		{name: "negative count", source: &fakeSource{count: -1}, pages: map[int]int{1: 10}},
		{name: "count error", source: &fakeSource{err: crawler.ErrBlocked}, pages: map[int]int{1: 10}},
		{name: "first page error", source: &fakeSource{count: 25}, fail: crawler.ErrNotFound},
		{name: "empty first page", source: &fakeSource{count: 25}, pages: map[int]int{1: 0}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := newFakeResolver(tc.pages)
			if tc.fail != nil {
				res.fail[1] = tc.fail
			}
			o, q, em := newTestOrchestrator(t, tc.source, res, 2)

			stats, err := o.Run(context.Background(), mustTarget(t, "B07", 1), crawler.ScrapeOptions{})
			require.Error(t, err)
			var derr crawler.DiscoveryError
			require.ErrorAs(t, err, &derr)
			require.Equal(t, "B07", derr.Target)
			require.True(t, stats.IsZero())
			require.Equal(t, queue.Counts{}, q.Stats())
			require.Equal(t, StateAborted, o.State())
			require.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunAborted}, em.stages())
		})
	}
}

func TestRunSkipsPagesPastEndOfData(t *testing.T) {
	t.Parallel()

	// Upstream advertises 50 reviews but page 2 is already empty.
	res := newFakeResolver(map[int]int{1: 10, 2: 0, 3: 10, 4: 10, 5: 10, 6: 10})
	o, _, em := newTestOrchestrator(t, &fakeSource{count: 50}, res, 1)

	stats, err := o.Run(context.Background(), mustTarget(t, "B07", 1), crawler.ScrapeOptions{})
	require.NoError(t, err)
	require.Equal(t, 6, stats.TotalPages)
	require.Equal(t, 2, stats.NoMoreReviewsPageNumber)
	require.Equal(t, 2, stats.ScrapedPages)
	require.Equal(t, 4, stats.SkippedPages)
	require.Equal(t, 10, stats.ScrapedReviewsCount)
	for page := 3; page <= 6; page++ {
		require.Zero(t, res.callCount(page), "page %d fetched", page)
	}
	require.Equal(t, 4, em.count(progress.StagePageSkipped))
}

func TestRunIsolatesPageFailures(t *testing.T) {
	t.Parallel()

	res := newFakeResolver(map[int]int{1: 10, 2: 10, 3: 5})
	res.fail[2] = crawler.ParseError{Target: "B07", PageNumber: 2, Source: crawler.SourceLive, Err: errors.New("bad markup")}
	o, q, em := newTestOrchestrator(t, &fakeSource{count: 25}, res, 2)

	stats, err := o.Run(context.Background(), mustTarget(t, "B07", 1), crawler.ScrapeOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, stats.ScrapedPages)
	require.Equal(t, 1, stats.FailedPages)
	require.Less(t, stats.ScrapedPages, stats.TotalPages)
	require.Equal(t, 15, stats.ScrapedReviewsCount)
	require.Equal(t, queue.Counts{Completed: 2, Failed: 1}, q.Stats())
	require.Equal(t, 1, em.count(progress.StagePageFailed))
}

func TestRunStartsAtStartingPage(t *testing.T) {
	t.Parallel()

	res := newFakeResolver(map[int]int{3: 10, 4: 10, 5: 2})
	o, _, _ := newTestOrchestrator(t, &fakeSource{count: 42}, res, 2)

	stats, err := o.Run(context.Background(), mustTarget(t, "B07", 3), crawler.ScrapeOptions{})
	require.NoError(t, err)
	require.Equal(t, 5, stats.TotalPages)
	require.Equal(t, 3, stats.ScrapedPages)
	require.Zero(t, res.callCount(1))
	require.Zero(t, res.callCount(2))
}

func TestRunCancellationReturnsPartialStats(t *testing.T) {
	t.Parallel()

	res := newFakeResolver(map[int]int{1: 10, 2: 10, 3: 5})
	res.block[3] = make(chan struct{})
	o, _, em := newTestOrchestrator(t, &fakeSource{count: 25}, res, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for res.callCount(3) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	stats, err := o.Run(ctx, mustTarget(t, "B07", 1), crawler.ScrapeOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, stats.IsZero())
	require.Equal(t, 2, stats.ScrapedPages)
	require.Equal(t, StateAborted, o.State())
	stages := em.stages()
	require.Equal(t, progress.StageRunAborted, stages[len(stages)-1])
}

func TestRunsReuseQueue(t *testing.T) {
	t.Parallel()

	res := newFakeResolver(map[int]int{1: 10, 2: 3})
	o, q, _ := newTestOrchestrator(t, &fakeSource{count: 13}, res, 2)
	target := mustTarget(t, "B07", 1)

	first, err := o.Run(context.Background(), target, crawler.ScrapeOptions{})
	require.NoError(t, err)
	firstID := o.RunID()
	second, err := o.Run(context.Background(), target, crawler.ScrapeOptions{})
	require.NoError(t, err)

	require.Equal(t, first.ScrapedReviewsCount, second.ScrapedReviewsCount)
	require.NotEqual(t, firstID, o.RunID())
	require.Equal(t, queue.Counts{Completed: 2}, q.Stats(), "records of the first run are cleaned")

	for i := 0; i < 3; i++ {
		_, err = o.Run(context.Background(), target, crawler.ScrapeOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, queue.Counts{Completed: 2}, q.Stats(), "queue does not grow across runs")
}

func TestNewValidatesCollaborators(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(nil, nil)
	defer q.Close()
	res := newFakeResolver(nil)

	_, err := New(Config{}, nil, res, q, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, &fakeSource{}, nil, q, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, &fakeSource{}, res, nil, nil, nil, nil)
	require.Error(t, err)

	o, err := New(Config{}, &fakeSource{}, res, q, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StateIdle, o.State())
}

func TestRunRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	res := newFakeResolver(map[int]int{1: 10, 2: 10, 3: 5})
	res.fail[3] = crawler.ErrBlocked
	q := memory.NewQueue(nil, nil)
	t.Cleanup(q.Close)
	o, err := New(Config{Concurrency: 2, Tracer: tp.Tracer("test")}, &fakeSource{count: 25}, res, q, nil, nil, nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), mustTarget(t, "B07", 1), crawler.ScrapeOptions{})
	require.NoError(t, err)

	var runSpans, pageSpans, failed int
	var runTraceID string
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "crawl.run":
			runSpans++
			runTraceID = span.SpanContext().TraceID().String()
		case "crawl.page":
			pageSpans++
			if span.Status().Code == codes.Error {
				failed++
			}
		}
	}
	require.Equal(t, 1, runSpans)
	require.Equal(t, 3, pageSpans)
	require.Equal(t, 1, failed)
	for _, span := range recorder.Ended() {
		require.Equal(t, runTraceID, span.SpanContext().TraceID().String())
	}
}

type fixedRunIDs struct {
	id  uuid.UUID
	err error
}

func (f fixedRunIDs) NewRawID() (uuid.UUID, error) { return f.id, f.err }

func TestRunUsesInjectedRunIDs(t *testing.T) {
	t.Parallel()

	want := uuid.MustParse("018f4c2e-0000-7000-8000-000000000001")
	q := memory.NewQueue(nil, nil)
	t.Cleanup(q.Close)
	em := &recordingEmitter{}
	res := newFakeResolver(map[int]int{1: 10, 2: 3})
	o, err := New(Config{Concurrency: 1, RunIDs: fixedRunIDs{id: want}}, &fakeSource{count: 13}, res, q, em, nil, nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), mustTarget(t, "B07", 1), crawler.ScrapeOptions{})
	require.NoError(t, err)
	require.Equal(t, want, o.RunID())
	em.mu.Lock()
	for _, evt := range em.events {
		require.Equal(t, want, evt.RunUUID())
	}
	em.mu.Unlock()
}

func TestRunFailsWithoutRunID(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(nil, nil)
	t.Cleanup(q.Close)
	res := newFakeResolver(map[int]int{1: 10})
	o, err := New(Config{RunIDs: fixedRunIDs{err: errors.New("entropy")}}, &fakeSource{count: 5}, res, q, nil, nil, nil)
	require.NoError(t, err)

	stats, err := o.Run(context.Background(), mustTarget(t, "B07", 1), crawler.ScrapeOptions{})
	require.ErrorContains(t, err, "entropy")
	require.True(t, stats.IsZero())
	require.Zero(t, q.Stats())
}
