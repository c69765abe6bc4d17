package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/review-crawler/internal/progress"
)

// PrometheusSink exports run and page progress via Prometheus. It owns the
// collectors for runs started/finished/running and per-page outcomes.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runRuntime   *prometheus.HistogramVec

	pages         *prometheus.CounterVec
	reviews       *prometheus.CounterVec
	pageDuration  *prometheus.HistogramVec
	accuracy      *prometheus.GaugeVec
	scrapedPages  *prometheus.GaugeVec
	expectedPages *prometheus.GaugeVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_runs_finished_total",
			Help: "Total crawl runs finished partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_run_runtime_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_run_pages_total",
			Help: "Page outcomes partitioned by target and outcome.",
		}, []string{"target", "outcome"}),
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_run_reviews_total",
			Help: "Review records collected per target and source.",
		}, []string{"target", "source"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_page_duration_seconds",
			Help:    "Page resolution duration partitioned by source.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"source"}),
		accuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawler_run_accuracy_ratio",
			Help: "Scraped reviews over the advertised review count, per target.",
		}, []string{"target"}),
		scrapedPages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawler_run_scraped_pages",
			Help: "Pages scraped so far in the latest run, per target.",
		}, []string{"target"}),
		expectedPages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawler_run_total_pages",
			Help: "Pages expected by discovery in the latest run, per target.",
		}, []string{"target"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runRuntime,
		s.pages,
		s.reviews,
		s.pageDuration,
		s.accuracy,
		s.scrapedPages,
		s.expectedPages,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunAborted:
		s.handleRunEvent(evt)
	case progress.StagePageDone, progress.StagePageFailed, progress.StagePageSkipped:
		s.handlePageEvent(evt)
	}
	if evt.Stats != nil {
		s.accuracy.WithLabelValues(evt.Target).Set(evt.Stats.Accuracy)
		s.scrapedPages.WithLabelValues(evt.Target).Set(float64(evt.Stats.ScrapedPages))
		s.expectedPages.WithLabelValues(evt.Target).Set(float64(evt.Stats.TotalPages))
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsFinished.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunAborted:
		s.runsFinished.WithLabelValues("aborted").Inc()
		s.observeRuntime(evt, "aborted")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StagePageDone:
		s.pages.WithLabelValues(evt.Target, "done").Inc()
		source := string(evt.Source)
		if source == "" {
			source = "unknown"
		}
		s.reviews.WithLabelValues(evt.Target, source).Add(float64(evt.Reviews))
		if evt.Dur > 0 {
			s.pageDuration.WithLabelValues(source).Observe(evt.Dur.Seconds())
		}
	case progress.StagePageFailed:
		s.pages.WithLabelValues(evt.Target, "failed").Inc()
	case progress.StagePageSkipped:
		s.pages.WithLabelValues(evt.Target, "skipped").Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
