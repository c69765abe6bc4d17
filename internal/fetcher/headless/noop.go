package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

var (
	// ErrDisabled reports a headless request while headless rendering is off.
	ErrDisabled = errors.New("headless fetcher not configured")
	// ErrNoProxy reports a proxied request without a proxy server.
	ErrNoProxy = errors.New("proxy requested but no proxy server configured")
)

// Noop stands in for the headless fetcher when headless.enabled is off.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, ErrDisabled
}

// Close implements the same shutdown hook as Fetcher.
func (Noop) Close() {}
