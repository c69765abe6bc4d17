package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// PageSource is the upstream collaborator that knows how to address a
// target's listing pages.
type PageSource interface {
	FetchPage(ctx context.Context, target Target, pageNumber int, opts ScrapeOptions) (FetchResponse, error)
	FetchTotalCount(ctx context.Context, target Target, pageNumber int) (int, error)
}

// Parser turns raw page content into review records. It must be pure.
type Parser interface {
	Parse(raw []byte) ([]Review, error)
}

// CacheStore reads and writes cached pages. Reads return ErrCacheMiss when the
// entry is absent and a CacheIOError when it exists but is unreadable.
type CacheStore interface {
	Exists(ctx context.Context, key PageKey) CacheState
	ReadJSON(ctx context.Context, key PageKey) ([]Review, error)
	ReadHTML(ctx context.Context, key PageKey) ([]byte, error)
	Write(ctx context.Context, key PageKey, entry CacheEntry) error
	Delete(ctx context.Context, key PageKey) error
	URI(key PageKey, kind CacheKind) string
}

// Publisher pushes stats snapshots to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used to normalize cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers for runs and queue jobs.
type IDGenerator interface {
	NewID() (string, error)
}
