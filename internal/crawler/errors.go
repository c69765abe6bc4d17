package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared by collaborators.
var (
	// ErrCacheMiss reports that a cache entry does not exist.
	ErrCacheMiss = errors.New("cache miss")
	// ErrBlocked reports an anti-bot interstitial or a 403/503 answer.
	ErrBlocked = errors.New("blocked by upstream")
	// ErrNotFound reports a missing listing page.
	ErrNotFound = errors.New("page not found")
	// ErrRateLimited reports an HTTP 429 answer.
	ErrRateLimited = errors.New("rate limited by upstream")
)

// DiscoveryError aborts a run before any page job is scheduled.
type DiscoveryError struct {
	Target string
	Err    error
}

func (e DiscoveryError) Error() string {
	return fmt.Sprintf("discovery for %s: %v", e.Target, e.Err)
}

func (e DiscoveryError) Unwrap() error {
	return e.Err
}

// FetchError reports a failed live fetch of one page.
type FetchError struct {
	Target     string
	PageNumber int
	Err        error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("fetch %s page %d: %v", e.Target, e.PageNumber, e.Err)
}

func (e FetchError) Unwrap() error {
	return e.Err
}

// ParseError reports content of one page the parser could not handle.
type ParseError struct {
	Target     string
	PageNumber int
	Source     Source
	Err        error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parse %s page %d (%s): %v", e.Target, e.PageNumber, e.Source, e.Err)
}

func (e ParseError) Unwrap() error {
	return e.Err
}

// CacheIOError reports a cache read or write failure other than a miss.
type CacheIOError struct {
	Op   string
	Path string
	Err  error
}

func (e CacheIOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e CacheIOError) Unwrap() error {
	return e.Err
}

// ErrorForStatus maps an upstream HTTP status to an error. Statuses below 400
// map to nil.
func ErrorForStatus(code int) error {
	switch {
	case code < http.StatusBadRequest:
		return nil
	case code == http.StatusForbidden, code == http.StatusServiceUnavailable:
		return fmt.Errorf("status %d: %w", code, ErrBlocked)
	case code == http.StatusNotFound:
		return fmt.Errorf("status %d: %w", code, ErrNotFound)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", code, ErrRateLimited)
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}
