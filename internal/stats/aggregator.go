// Package stats accumulates the running statistics of a crawl. All updates go
// through one mutex so concurrent job completions never interleave.
package stats

import (
	"fmt"
	"sync"

	"github.com/JakeFAU/review-crawler/internal/clock/system"
	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// DefaultWindow bounds the Reviews and Screenshots windows.
const DefaultWindow = 10

// Delta is a partial update. Nil fields are left untouched; windows are
// appended then trimmed. ScrapedPages and ScrapedReviewsCount only move up,
// and NoMoreReviewsPageNumber is taken only while no end of data is latched.
type Delta struct {
	ProductReviewsCount     *int
	PageSize                *int
	TotalPages              *int
	ScrapedPages            *int
	ScrapedReviewsCount     *int
	LastPageSize            *int
	Accuracy                *float64
	NoMoreReviewsPageNumber *int
	Reviews                 []crawler.Review
	Screenshots             []string
}

// Aggregator owns the Stats of one run.
type Aggregator struct {
	mu     sync.Mutex
	clock  crawler.Clock
	window int
	stats  crawler.Stats
}

// New starts the stats of a run. A nil clock uses the system clock and a
// window below one uses DefaultWindow.
func New(target crawler.Target, clock crawler.Clock, window int) *Aggregator {
	if clock == nil {
		clock = system.New()
	}
	if window < 1 {
		window = DefaultWindow
	}
	return &Aggregator{
		clock:  clock,
		window: window,
		stats: crawler.Stats{
			Target:             target.ID,
			StartingPageNumber: target.StartingPageNumber,
			Reviews:            []crawler.Review{},
			Screenshots:        []string{},
			Start:              clock.Now(),
		},
	}
}

// Snapshot returns a deep copy of the current stats.
func (a *Aggregator) Snapshot() crawler.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.Clone()
}

// Update applies a delta and returns the resulting snapshot. Values that
// would lower a counter or move the end-of-data latch are ignored.
func (a *Aggregator) Update(d Delta) crawler.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	setInt(&a.stats.ProductReviewsCount, d.ProductReviewsCount)
	setInt(&a.stats.PageSize, d.PageSize)
	setInt(&a.stats.TotalPages, d.TotalPages)
	raiseInt(&a.stats.ScrapedPages, d.ScrapedPages)
	raiseInt(&a.stats.ScrapedReviewsCount, d.ScrapedReviewsCount)
	setInt(&a.stats.LastPageSize, d.LastPageSize)
	if p := d.NoMoreReviewsPageNumber; p != nil && *p > 0 && a.stats.NoMoreReviewsPageNumber == 0 {
		a.stats.NoMoreReviewsPageNumber = *p
	}
	if d.Accuracy != nil {
		a.stats.Accuracy = *d.Accuracy
	}
	a.appendWindows(d.Reviews, d.Screenshots)
	a.touch()
	return a.stats.Clone()
}

// Discover records the upstream count and the first page's size and derives
// TotalPages as floor(count/pageSize) + 1.
func (a *Aggregator) Discover(count, pageSize int) (crawler.Stats, error) {
	if pageSize <= 0 {
		return crawler.Stats{}, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if count < 0 {
		return crawler.Stats{}, fmt.Errorf("review count must not be negative, got %d", count)
	}
	total := TotalPages(count, pageSize)
	return a.Update(Delta{
		ProductReviewsCount: &count,
		PageSize:            &pageSize,
		TotalPages:          &total,
	}), nil
}

// RecordPage folds one resolved page into the stats. The first page seen
// with no records latches NoMoreReviewsPageNumber.
func (a *Aggregator) RecordPage(pageNumber int, reviews []crawler.Review, screenshot string) crawler.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.stats
	s.ScrapedPages++
	s.LastPageSize = len(reviews)
	s.ScrapedReviewsCount += len(reviews)
	s.Accuracy = accuracy(s.ScrapedReviewsCount, s.ProductReviewsCount)
	var shots []string
	if screenshot != "" {
		shots = []string{screenshot}
	}
	a.appendWindows(reviews, shots)
	if len(reviews) == 0 && s.NoMoreReviewsPageNumber == 0 {
		s.NoMoreReviewsPageNumber = pageNumber
	}
	a.touch()
	return s.Clone()
}

// RecordFailure counts a page that could not be resolved.
func (a *Aggregator) RecordFailure(_ int) crawler.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.FailedPages++
	a.touch()
	return a.stats.Clone()
}

// RecordSkip counts a page skipped past the end of data.
func (a *Aggregator) RecordSkip(_ int) crawler.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.SkippedPages++
	a.touch()
	return a.stats.Clone()
}

// ShouldSkip reports whether pageNumber lies at or beyond the end of data.
func (a *Aggregator) ShouldSkip(pageNumber int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	marker := a.stats.NoMoreReviewsPageNumber
	return marker > 0 && pageNumber >= marker
}

// Finish stamps the finish time and returns the final snapshot.
func (a *Aggregator) Finish() crawler.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	a.stats.Finish = &now
	a.stats.Elapsed = now.Sub(a.stats.Start)
	return a.stats.Clone()
}

// TotalPages returns floor(count/pageSize) + 1. pageSize must be positive.
func TotalPages(count, pageSize int) int {
	return count/pageSize + 1
}

func accuracy(scraped, count int) float64 {
	if count <= 0 {
		return 0
	}
	return float64(scraped) / float64(count)
}

func (a *Aggregator) appendWindows(reviews []crawler.Review, shots []string) {
	a.stats.Reviews = trim(append(a.stats.Reviews, reviews...), a.window)
	a.stats.Screenshots = trim(append(a.stats.Screenshots, shots...), a.window)
}

func (a *Aggregator) touch() {
	a.stats.Elapsed = a.clock.Now().Sub(a.stats.Start)
}

func trim[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return append([]T(nil), s[len(s)-n:]...)
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func raiseInt(dst *int, v *int) {
	if v != nil && *v > *dst {
		*dst = *v
	}
}
