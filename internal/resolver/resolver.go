// Package resolver resolves a page's review records cache-first, falling back
// to a live fetch that repopulates the cache.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/metrics"
)

// Config tunes cache handling.
type Config struct {
	// PurgeCorrupt deletes cache entries that exist but cannot be read.
	PurgeCorrupt bool `mapstructure:"purge_corrupt"`
}

// Resolver implements the cache-first page resolution policy.
type Resolver struct {
	cfg    Config
	source crawler.PageSource
	parser crawler.Parser
	cache  crawler.CacheStore
	logger *zap.Logger
}

// New wires a resolver.
func New(cfg Config, source crawler.PageSource, parser crawler.Parser, cache crawler.CacheStore, logger *zap.Logger) (*Resolver, error) {
	if source == nil || parser == nil || cache == nil {
		return nil, fmt.Errorf("resolver requires a page source, a parser and a cache store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:    cfg,
		source: source,
		parser: parser,
		cache:  cache,
		logger: logger,
	}, nil
}

// Resolve returns the review records of one page. With opts.Cache set, parsed
// records win over raw markup, which wins over the network. The live path
// always writes the cache.
func (r *Resolver) Resolve(ctx context.Context, target crawler.Target, pageNumber int, opts crawler.ScrapeOptions) (crawler.Resolution, error) {
	if target.ID == "" || pageNumber < 1 {
		return crawler.Resolution{}, crawler.FetchError{
			Target:     target.ID,
			PageNumber: pageNumber,
			Err:        fmt.Errorf("invalid page address"),
		}
	}
	key := crawler.KeyFor(target, pageNumber)
	logger := r.logger.With(zap.String("target", target.ID), zap.Int("page", pageNumber))

	if opts.Cache {
		res, ok, err := r.fromCache(ctx, key, logger)
		if err != nil {
			metrics.ObservePage(string(crawler.SourceCacheHTML), "error")
			return crawler.Resolution{}, err
		}
		if ok {
			metrics.ObservePage(string(res.Source), "ok")
			return res, nil
		}
	}

	res, err := r.live(ctx, target, key, opts, logger)
	if err != nil {
		metrics.ObservePage(string(crawler.SourceLive), "error")
		return crawler.Resolution{}, err
	}
	metrics.ObservePage(string(crawler.SourceLive), "ok")
	return res, nil
}

func (r *Resolver) fromCache(ctx context.Context, key crawler.PageKey, logger *zap.Logger) (crawler.Resolution, bool, error) {
	reviews, err := r.cache.ReadJSON(ctx, key)
	switch {
	case err == nil:
		logger.Debug("resolved from cached records", zap.Int("reviews", len(reviews)))
		return crawler.Resolution{Reviews: reviews, Source: crawler.SourceCacheJSON}, true, nil
	case !errors.Is(err, crawler.ErrCacheMiss):
		r.cacheFailure(ctx, key, "read_json", err, logger)
	}

	raw, err := r.cache.ReadHTML(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, crawler.ErrCacheMiss):
		return crawler.Resolution{}, false, nil
	default:
		r.cacheFailure(ctx, key, "read_html", err, logger)
		return crawler.Resolution{}, false, nil
	}

	reviews, err = r.parse(raw)
	if err != nil {
		return crawler.Resolution{}, false, crawler.ParseError{
			Target:     key.Target,
			PageNumber: key.PageNumber,
			Source:     crawler.SourceCacheHTML,
			Err:        err,
		}
	}
	if err := r.cache.Write(ctx, key, crawler.CacheEntry{Reviews: reviews}); err != nil {
		metrics.ObserveCacheError("write")
		logger.Warn("failed to backfill parsed records", zap.Error(err))
	}
	logger.Debug("resolved from cached markup", zap.Int("reviews", len(reviews)))
	return crawler.Resolution{Reviews: reviews, Source: crawler.SourceCacheHTML}, true, nil
}

func (r *Resolver) live(ctx context.Context, target crawler.Target, key crawler.PageKey, opts crawler.ScrapeOptions, logger *zap.Logger) (crawler.Resolution, error) {
	resp, err := r.source.FetchPage(ctx, target, key.PageNumber, opts)
	if err != nil {
		return crawler.Resolution{}, crawler.FetchError{Target: target.ID, PageNumber: key.PageNumber, Err: err}
	}

	reviews, err := r.parse(resp.Body)
	if err != nil {
		return crawler.Resolution{}, crawler.ParseError{
			Target:     target.ID,
			PageNumber: key.PageNumber,
			Source:     crawler.SourceLive,
			Err:        err,
		}
	}

	entry := crawler.CacheEntry{HTML: resp.Body, Reviews: reviews, Screenshot: resp.Screenshot}
	if err := r.cache.Write(ctx, key, entry); err != nil {
		metrics.ObserveCacheError("write")
		logger.Warn("failed to cache fetched page", zap.Error(err))
	}

	res := crawler.Resolution{Reviews: reviews, Source: crawler.SourceLive}
	if len(resp.Screenshot) > 0 {
		res.Screenshot = r.cache.URI(key, crawler.KindScreenshot)
	}
	logger.Debug("resolved from live fetch",
		zap.Int("reviews", len(reviews)),
		zap.Int("status", resp.StatusCode),
		zap.Bool("headless", resp.UsedHeadless),
		zap.Duration("duration", resp.Duration),
	)
	return res, nil
}

func (r *Resolver) parse(raw []byte) ([]crawler.Review, error) {
	reviews, err := r.parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []crawler.Review{}
	}
	return reviews, nil
}

// cacheFailure treats an unreadable entry as a miss, optionally purging it.
func (r *Resolver) cacheFailure(ctx context.Context, key crawler.PageKey, op string, err error, logger *zap.Logger) {
	metrics.ObserveCacheError(op)
	logger.Warn("cache read failed, treating as miss", zap.String("op", op), zap.Error(err))
	if !r.cfg.PurgeCorrupt {
		return
	}
	if delErr := r.cache.Delete(ctx, key); delErr != nil {
		metrics.ObserveCacheError("delete")
		logger.Warn("failed to purge corrupted cache entry", zap.Error(delErr))
		return
	}
	logger.Info("purged corrupted cache entry")
}
