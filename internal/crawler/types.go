package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Target identifies the listing being crawled and the first page to crawl.
type Target struct {
	ID                 string `json:"id"`
	StartingPageNumber int    `json:"starting_page_number"`
}

// NewTarget validates and builds a Target.
func NewTarget(id string, startingPageNumber int) (Target, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Target{}, fmt.Errorf("target id is required")
	}
	if startingPageNumber < 1 {
		return Target{}, fmt.Errorf("starting page number must be >= 1, got %d", startingPageNumber)
	}
	return Target{ID: id, StartingPageNumber: startingPageNumber}, nil
}

// PageJob is the unit of work for one page of the listing.
type PageJob struct {
	PageNumber int `json:"page_number"`
}

// NewPageJob validates and builds a PageJob.
func NewPageJob(pageNumber int) (PageJob, error) {
	if pageNumber < 1 {
		return PageJob{}, fmt.Errorf("page number must be >= 1, got %d", pageNumber)
	}
	return PageJob{PageNumber: pageNumber}, nil
}

// PageKey addresses one cached page.
type PageKey struct {
	Target     string
	PageNumber int
}

// KeyFor builds the cache key of a target page.
func KeyFor(target Target, pageNumber int) PageKey {
	return PageKey{Target: target.ID, PageNumber: pageNumber}
}

// Review is a single parsed review record.
type Review struct {
	ID         string            `json:"id,omitempty"`
	Stars      int               `json:"stars"`
	DateString string            `json:"dateString"`
	Text       string            `json:"text"`
	Title      string            `json:"title,omitempty"`
	Author     string            `json:"author,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// ScrapeOptions tune how a page is resolved.
type ScrapeOptions struct {
	// Cache allows reading previously stored pages and records.
	Cache bool `json:"cache" mapstructure:"cache"`
	// UseProxy routes live fetches through the configured proxies.
	UseProxy bool `json:"use_proxy" mapstructure:"use_proxy"`
	// Headless renders live fetches in a browser and captures a screenshot.
	Headless bool `json:"headless" mapstructure:"headless"`
}

// CacheKind selects one of the parallel cache trees.
type CacheKind string

// Cache trees.
const (
	KindHTML       CacheKind = "html"
	KindJSON       CacheKind = "json"
	KindScreenshot CacheKind = "screenshot"
)

// CacheState reports which parts of a page are cached.
type CacheState struct {
	HasHTML bool
	HasJSON bool
}

// CacheEntry holds the parts of a page to persist. Empty parts are skipped.
type CacheEntry struct {
	HTML       []byte
	Reviews    []Review
	Screenshot []byte
}

// Source names where resolved records came from.
type Source string

// Resolution sources.
const (
	SourceCacheJSON Source = "cache_json"
	SourceCacheHTML Source = "cache_html"
	SourceLive      Source = "live"
)

// Resolution is the outcome of resolving one page.
type Resolution struct {
	Reviews    []Review
	Source     Source
	Screenshot string
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL      string
	UseProxy bool
	Headers  http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	Screenshot   []byte
}

// Stats is the running aggregate of a crawl. The zero value is the empty
// result returned when discovery fails.
type Stats struct {
	Target                  string        `json:"target"`
	StartingPageNumber      int           `json:"startingPageNumber"`
	ProductReviewsCount     int           `json:"productReviewsCount"`
	PageSize                int           `json:"pageSize"`
	TotalPages              int           `json:"totalPages"`
	ScrapedPages            int           `json:"scrapedPages"`
	FailedPages             int           `json:"failedPages"`
	SkippedPages            int           `json:"skippedPages"`
	ScrapedReviewsCount     int           `json:"scrapedReviewsCount"`
	LastPageSize            int           `json:"lastPageSize"`
	Accuracy                float64       `json:"accuracy"`
	NoMoreReviewsPageNumber int           `json:"noMoreReviewsPageNumber,omitempty"`
	Reviews                 []Review      `json:"reviews"`
	Screenshots             []string      `json:"screenshots"`
	Start                   time.Time     `json:"start"`
	Elapsed                 time.Duration `json:"-"`
	Finish                  *time.Time    `json:"finish,omitempty"`
}

type statsJSON Stats

// MarshalJSON renders Elapsed as whole milliseconds under "elapsed".
func (s Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		statsJSON
		ElapsedMs int64 `json:"elapsed"`
	}{statsJSON(s), s.Elapsed.Milliseconds()})
}

// UnmarshalJSON reads the millisecond "elapsed" written by MarshalJSON.
func (s *Stats) UnmarshalJSON(data []byte) error {
	var aux struct {
		statsJSON
		ElapsedMs int64 `json:"elapsed"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Stats(aux.statsJSON)
	s.Elapsed = time.Duration(aux.ElapsedMs) * time.Millisecond
	return nil
}

// IsZero reports whether s is the empty result.
func (s Stats) IsZero() bool {
	return s.Target == "" && s.Start.IsZero()
}

// Clone returns a deep copy of s.
func (s Stats) Clone() Stats {
	out := s
	if s.Reviews != nil {
		out.Reviews = make([]Review, len(s.Reviews))
		for i, r := range s.Reviews {
			out.Reviews[i] = r.clone()
		}
	}
	if s.Screenshots != nil {
		out.Screenshots = append(make([]string, 0, len(s.Screenshots)), s.Screenshots...)
	}
	if s.Finish != nil {
		finish := *s.Finish
		out.Finish = &finish
	}
	return out
}

func (r Review) clone() Review {
	if r.Fields == nil {
		return r
	}
	fields := make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}
