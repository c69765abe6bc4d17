// Package memory keeps the page cache in-memory for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/storage"
)

// Store keeps cache parts keyed by their layout path and returns pseudo URIs.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	layout *storage.Layout
}

// New creates an empty in-memory cache store.
func New(layout *storage.Layout) *Store {
	if layout == nil {
		layout = storage.NewLayout(nil)
	}
	return &Store{
		data:   make(map[string][]byte),
		layout: layout,
	}
}

// Exists reports which parts of a page are cached.
func (s *Store) Exists(_ context.Context, key crawler.PageKey) crawler.CacheState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, hasHTML := s.data[s.layout.Path(key, crawler.KindHTML)]
	_, hasJSON := s.data[s.layout.Path(key, crawler.KindJSON)]
	return crawler.CacheState{HasHTML: hasHTML, HasJSON: hasJSON}
}

// ReadJSON returns the parsed records cached for a page.
func (s *Store) ReadJSON(_ context.Context, key crawler.PageKey) ([]crawler.Review, error) {
	path := s.layout.Path(key, crawler.KindJSON)
	data, ok := s.get(path)
	if !ok {
		return nil, crawler.ErrCacheMiss
	}
	reviews, err := storage.DecodeReviews(data)
	if err != nil {
		return nil, crawler.CacheIOError{Op: "decode", Path: path, Err: err}
	}
	return reviews, nil
}

// ReadHTML returns the raw markup cached for a page.
func (s *Store) ReadHTML(_ context.Context, key crawler.PageKey) ([]byte, error) {
	data, ok := s.get(s.layout.Path(key, crawler.KindHTML))
	if !ok {
		return nil, crawler.ErrCacheMiss
	}
	return data, nil
}

// Write stores every non-empty part of the entry.
func (s *Store) Write(_ context.Context, key crawler.PageKey, entry crawler.CacheEntry) error {
	var encoded []byte
	if entry.Reviews != nil {
		var err error
		encoded, err = storage.EncodeReviews(entry.Reviews)
		if err != nil {
			return crawler.CacheIOError{Op: "encode", Path: s.layout.Path(key, crawler.KindJSON), Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entry.HTML) > 0 {
		s.data[s.layout.Path(key, crawler.KindHTML)] = append([]byte(nil), entry.HTML...)
	}
	if encoded != nil {
		s.data[s.layout.Path(key, crawler.KindJSON)] = encoded
	}
	if len(entry.Screenshot) > 0 {
		s.data[s.layout.Path(key, crawler.KindScreenshot)] = append([]byte(nil), entry.Screenshot...)
	}
	return nil
}

// Delete drops every part of a page.
func (s *Store) Delete(_ context.Context, key crawler.PageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []crawler.CacheKind{crawler.KindHTML, crawler.KindJSON, crawler.KindScreenshot} {
		delete(s.data, s.layout.Path(key, kind))
	}
	return nil
}

// URI returns a memory:// URI for one part of a page.
func (s *Store) URI(key crawler.PageKey, kind crawler.CacheKind) string {
	return fmt.Sprintf("memory://%s", s.layout.Path(key, kind))
}

// Len reports the number of stored parts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
