package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/config"
	"github.com/JakeFAU/review-crawler/internal/crawler"
)

type fakeApp struct {
	cfg      config.Config
	stats    crawler.Stats
	err      error
	target   crawler.Target
	opts     crawler.ScrapeOptions
	crawled  bool
	served   bool
	closed   int
	serveErr error
}

func (f *fakeApp) Crawl(_ context.Context, target crawler.Target, opts crawler.ScrapeOptions) (crawler.Stats, error) {
	f.crawled = true
	f.target = target
	f.opts = opts
	return f.stats, f.err
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return f.serveErr
}

func (f *fakeApp) Config() config.Config { return f.cfg }

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

func baseConfig() config.Config {
	return config.Config{
		Crawler: config.CrawlerConfig{Concurrency: 1, Window: 10, MaxAttempts: 1},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 5},
		Cache:   config.CacheConfig{Backend: config.CacheMemory},
		Scrape:  crawler.ScrapeOptions{Cache: true},
	}
}

// withFakes swaps the config loader and app factory. Tests using it must not
// run in parallel.
func withFakes(t *testing.T, cfg config.Config, fake *fakeApp) *int {
	t.Helper()
	origLoad, origNew := loadConfig, newApp
	t.Cleanup(func() {
		loadConfig, newApp = origLoad, origNew
	})
	built := 0
	loadConfig = func(string) (config.Config, error) { return cfg, nil }
	newApp = func(_ context.Context, c config.Config) (App, error) {
		built++
		fake.cfg = c
		return fake, nil
	}
	return &built
}

func TestCrawlPrintsStats(t *testing.T) {
	fake := &fakeApp{stats: crawler.Stats{Target: "B0X", TotalPages: 3, ScrapedPages: 3}}
	withFakes(t, baseConfig(), fake)

	var out bytes.Buffer
	err := runCLI(context.Background(), []string{"crawl", "https://www.amazon.com/product-reviews/B07XJ8C8F5/?pageNumber=2"}, &out)
	require.NoError(t, err)

	require.Equal(t, "B07XJ8C8F5", fake.target.ID)
	require.Equal(t, 2, fake.target.StartingPageNumber)
	require.True(t, fake.opts.Cache)
	require.True(t, fake.served)
	require.Equal(t, 1, fake.closed)
	require.Contains(t, out.String(), `"totalPages": 3`)
}

func TestCrawlStartingPageArgument(t *testing.T) {
	fake := &fakeApp{}
	withFakes(t, baseConfig(), fake)

	require.NoError(t, runCLI(context.Background(), []string{"crawl", "B0X", "4"}, &bytes.Buffer{}))
	require.Equal(t, 4, fake.target.StartingPageNumber)

	err := runCLI(context.Background(), []string{"crawl", "B0X", "four"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "starting page")
}

func TestCrawlFlagsOverrideScrapeOptions(t *testing.T) {
	cfg := baseConfig()
	cfg.Crawler.Proxies = []string{"http://proxy:8080"}
	fake := &fakeApp{}
	withFakes(t, cfg, fake)

	err := runCLI(context.Background(), []string{"crawl", "B0X", "--no-cache", "--proxy", "--headless"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, fake.opts.Cache)
	require.True(t, fake.opts.UseProxy)
	require.True(t, fake.opts.Headless)
	require.True(t, fake.cfg.Headless.Enabled)
	require.Equal(t, 1, fake.cfg.Headless.MaxParallel)
}

func TestCrawlProxyFlagWithoutProxies(t *testing.T) {
	fake := &fakeApp{}
	built := withFakes(t, baseConfig(), fake)

	err := runCLI(context.Background(), []string{"crawl", "B0X", "--proxy"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "scrape.use_proxy")
	require.Zero(t, *built)
	require.False(t, fake.crawled)
}

func TestCrawlDiscoveryFailurePrintsNothing(t *testing.T) {
	fake := &fakeApp{err: crawler.DiscoveryError{Target: "B0X", Err: crawler.ErrNotFound}}
	withFakes(t, baseConfig(), fake)

	var out bytes.Buffer
	require.NoError(t, runCLI(context.Background(), []string{"crawl", "B0X"}, &out))
	require.Empty(t, out.String())
	require.Equal(t, 1, fake.closed)
}

func TestCrawlFailureStillClosesApp(t *testing.T) {
	fake := &fakeApp{err: errors.New("queue closed")}
	withFakes(t, baseConfig(), fake)

	var out bytes.Buffer
	err := runCLI(context.Background(), []string{"crawl", "B0X"}, &out)
	require.ErrorContains(t, err, "queue closed")
	require.Empty(t, out.String())
	require.Equal(t, 1, fake.closed)
}

func TestCrawlCanceledPrintsPartialStats(t *testing.T) {
	fake := &fakeApp{
		stats: crawler.Stats{Target: "B0X", TotalPages: 5, ScrapedPages: 2},
		err:   context.Canceled,
	}
	withFakes(t, baseConfig(), fake)

	var out bytes.Buffer
	require.NoError(t, runCLI(context.Background(), []string{"crawl", "B0X"}, &out))
	require.Contains(t, out.String(), `"scrapedPages": 2`)
}

func TestCrawlRequiresTarget(t *testing.T) {
	fake := &fakeApp{}
	withFakes(t, baseConfig(), fake)

	require.Error(t, runCLI(context.Background(), []string{"crawl"}, &bytes.Buffer{}))
	require.False(t, fake.crawled)
}

func TestServeCommand(t *testing.T) {
	fake := &fakeApp{}
	withFakes(t, baseConfig(), fake)

	require.NoError(t, runCLI(context.Background(), []string{"serve"}, &bytes.Buffer{}))
	require.True(t, fake.served)
	require.Equal(t, 1, fake.closed)
}

func TestLoadConfigFailure(t *testing.T) {
	origLoad := loadConfig
	t.Cleanup(func() { loadConfig = origLoad })
	loadConfig = func(string) (config.Config, error) { return config.Config{}, errors.New("bad yaml") }

	err := runCLI(context.Background(), []string{"serve", "--config", "missing.yaml"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "bad yaml")
}
