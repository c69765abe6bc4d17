// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"
	"github.com/gocolly/colly/v2/proxy"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// ErrNoProxies reports a proxied request on a fetcher without proxies.
var ErrNoProxies = errors.New("proxy requested but no proxies configured")

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	RandomUserAgent bool
	// Proxies are rotated round-robin for requests with UseProxy set.
	Proxies []string
	Timeout time.Duration
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTransport replaces the HTTP transport used for direct requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.transport = rt
	}
}

// WithLimiter paces every request through l.
func WithLimiter(l Limiter) Option {
	return func(f *Fetcher) {
		f.limiter = l
	}
}

// Fetcher implements crawler.Fetcher using the Colly collector. Responses of
// any status are returned; classifying them is left to the caller.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	proxyFunc colly.ProxyFunc
	limiter   Limiter
	logger    *zap.Logger

	// Clones share their parent's HTTP backend, so each transport gets its
	// own base collector.
	direct  *colly.Collector
	proxied *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	f := &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		logger:    logger.Named("colly"),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.direct = f.newCollector(f.transport)

	if len(cfg.Proxies) > 0 {
		pf, err := proxy.RoundRobinProxySwitcher(cfg.Proxies...)
		if err != nil {
			return nil, fmt.Errorf("configure proxies: %w", err)
		}
		f.proxyFunc = pf
		pt := newHTTPTransport()
		pt.Proxy = pf
		f.proxied = f.newCollector(pt)
	}
	return f, nil
}

func (f *Fetcher) newCollector(transport http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(transport)
	return c
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	site := metrics.SanitizeSite(request.URL)
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for rate limit: %w", err)
		}
	}

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(request, start, &result, &fetchErr)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		metrics.ObserveFetch(site, "colly", "error", 0, time.Since(start))
		return crawler.FetchResponse{}, err
	}
	outcome := "ok"
	if result.StatusCode >= http.StatusBadRequest {
		outcome = "http_error"
	}
	metrics.ObserveFetch(site, "colly", outcome, len(result.Body), result.Duration)
	f.logger.Debug("fetched",
		zap.String("url", result.URL),
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", len(result.Body)),
		zap.Bool("proxy", request.UseProxy),
		zap.Duration("dur", result.Duration),
	)
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) (*colly.Collector, error) {
	base := f.direct
	if request.UseProxy {
		if f.proxied == nil {
			return nil, ErrNoProxies
		}
		base = f.proxied
	}
	collector := base.Clone()
	collector.ParseHTTPErrorResponse = true
	if f.cfg.RandomUserAgent {
		extensions.RandomUserAgent(collector)
	}
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:          r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Headers:      r.Headers.Clone(),
			Body:         append([]byte(nil), r.Body...),
			Duration:     time.Since(start),
			UsedHeadless: false,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
