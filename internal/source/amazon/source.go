// Package amazon addresses Amazon product-review listings: it builds page
// URLs, fetches them through the configured fetchers and reads the
// advertised review count.
package amazon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// DefaultBaseURL is the marketplace used when none is configured.
const DefaultBaseURL = "https://www.amazon.com"

// CountParser reads the advertised review count from a listing page.
type CountParser interface {
	ParseReviewCount(raw []byte) (int, error)
}

// RetryPolicy bounds re-attempts of transient fetch failures.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Wait(ctx context.Context, attempt int) error
}

// Promoter decides whether a plain response needs a headless re-fetch.
type Promoter interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// Config controls URL building and default fetch options.
type Config struct {
	BaseURL string
	// CountOptions are used for the review count fetch, which carries no
	// per-run options.
	CountOptions crawler.ScrapeOptions
	// AcceptLanguage is sent with every request.
	AcceptLanguage string
}

// Source implements crawler.PageSource for Amazon listings.
type Source struct {
	cfg      Config
	http     crawler.Fetcher
	headless crawler.Fetcher
	counter  CountParser
	retry    RetryPolicy
	promoter Promoter
	logger   *zap.Logger
}

// Option customizes a Source.
type Option func(*Source)

// WithHeadless sets the fetcher used for headless requests and promotions.
func WithHeadless(f crawler.Fetcher) Option {
	return func(s *Source) {
		s.headless = f
	}
}

// WithRetry re-attempts transient failures.
func WithRetry(p RetryPolicy) Option {
	return func(s *Source) {
		s.retry = p
	}
}

// WithPromoter re-fetches client-rendered shells headlessly.
func WithPromoter(p Promoter) Option {
	return func(s *Source) {
		s.promoter = p
	}
}

// New builds a Source.
func New(cfg Config, fetcher crawler.Fetcher, counter CountParser, logger *zap.Logger, opts ...Option) (*Source, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if counter == nil {
		return nil, errors.New("count parser is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = "en-US,en;q=0.9"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{
		cfg:     cfg,
		http:    fetcher,
		counter: counter,
		logger:  logger.Named("source"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PageURL returns the listing URL of one page.
func (s *Source) PageURL(target crawler.Target, pageNumber int) string {
	return fmt.Sprintf("%s/product-reviews/%s/?pageNumber=%d", s.cfg.BaseURL, url.PathEscape(target.ID), pageNumber)
}

// FetchPage fetches one listing page. Error statuses map to crawler
// sentinels.
func (s *Source) FetchPage(ctx context.Context, target crawler.Target, pageNumber int, opts crawler.ScrapeOptions) (crawler.FetchResponse, error) {
	req := crawler.FetchRequest{
		URL:      s.PageURL(target, pageNumber),
		UseProxy: opts.UseProxy,
		Headers:  http.Header{"Accept-Language": {s.cfg.AcceptLanguage}},
	}
	fetcher := s.http
	if opts.Headless {
		if s.headless == nil {
			return crawler.FetchResponse{}, errors.New("headless fetch requested but no headless fetcher configured")
		}
		fetcher = s.headless
	}

	resp, err := s.fetchWithRetry(ctx, fetcher, req)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !opts.Headless && s.headless != nil && s.promoter != nil && s.promoter.ShouldPromote(resp) {
		s.logger.Info("promoting to headless", zap.String("url", req.URL))
		return s.fetchWithRetry(ctx, s.headless, req)
	}
	return resp, nil
}

// FetchTotalCount fetches pageNumber and reads the advertised review count.
func (s *Source) FetchTotalCount(ctx context.Context, target crawler.Target, pageNumber int) (int, error) {
	resp, err := s.FetchPage(ctx, target, pageNumber, s.cfg.CountOptions)
	if err != nil {
		return 0, err
	}
	n, err := s.counter.ParseReviewCount(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("parse review count: %w", err)
	}
	return n, nil
}

func (s *Source) fetchWithRetry(ctx context.Context, fetcher crawler.Fetcher, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		resp, err := fetcher.Fetch(ctx, req)
		if err == nil {
			err = crawler.ErrorForStatus(resp.StatusCode)
		}
		if err == nil {
			return resp, nil
		}
		if s.retry == nil || !s.retry.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
		s.logger.Warn("retrying fetch", zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Error(err))
		if werr := s.retry.Wait(ctx, attempt); werr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, errors.Join(err, werr))
		}
	}
}

var (
	asinPattern = regexp.MustCompile(`/(?:product-reviews|dp|gp/product)/([A-Z0-9]{10})`)
	pagePattern = regexp.MustCompile(`[?&]pageNumber=(\d+)`)
)

// ParseTarget accepts a bare listing ID or an Amazon product or review URL
// and returns the ID plus the page number the URL points at (1 when absent).
func ParseTarget(raw string) (string, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, errors.New("target is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, 1, nil
	}
	m := asinPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", 0, fmt.Errorf("no product id in %q", raw)
	}
	page := 1
	if pm := pagePattern.FindStringSubmatch(raw); pm != nil {
		if n, err := strconv.Atoi(pm[1]); err == nil && n > 0 {
			page = n
		}
	}
	return m[1], page, nil
}
