// Package lru memoizes parsed review records in front of any cache store.
package lru

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// Store wraps a crawler.CacheStore and keeps the most recently read pages of
// parsed records in memory. Writes and deletes invalidate the memo.
//
// A read-through only memoizes its result if no write or delete finished
// while it was in flight, so the memo never holds records older than the
// backend. The check is store-wide rather than per key.
type Store struct {
	next crawler.CacheStore
	memo *lru.Cache[crawler.PageKey, []crawler.Review]

	mu    sync.Mutex
	epoch uint64
}

// New wraps next with an LRU of the given size.
func New(next crawler.CacheStore, size int) (*Store, error) {
	if next == nil {
		return nil, fmt.Errorf("wrapped cache store is required")
	}
	memo, err := lru.New[crawler.PageKey, []crawler.Review](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Store{next: next, memo: memo}, nil
}

// Exists reports which parts of a page are cached.
func (s *Store) Exists(ctx context.Context, key crawler.PageKey) crawler.CacheState {
	state := s.next.Exists(ctx, key)
	if s.memo.Contains(key) {
		state.HasJSON = true
	}
	return state
}

// ReadJSON serves parsed records from the memo, falling through on a miss.
func (s *Store) ReadJSON(ctx context.Context, key crawler.PageKey) ([]crawler.Review, error) {
	if reviews, ok := s.memo.Get(key); ok {
		return cloneReviews(reviews), nil
	}
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	reviews, err := s.next.ReadJSON(ctx, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.memo.Add(key, cloneReviews(reviews))
	}
	s.mu.Unlock()
	return reviews, nil
}

// ReadHTML always reads through; raw pages are not memoized.
func (s *Store) ReadHTML(ctx context.Context, key crawler.PageKey) ([]byte, error) {
	return s.next.ReadHTML(ctx, key)
}

// Write writes through and invalidates the memo.
func (s *Store) Write(ctx context.Context, key crawler.PageKey, entry crawler.CacheEntry) error {
	defer s.invalidate(key)
	return s.next.Write(ctx, key, entry)
}

// Delete deletes through and invalidates the memo.
func (s *Store) Delete(ctx context.Context, key crawler.PageKey) error {
	defer s.invalidate(key)
	return s.next.Delete(ctx, key)
}

func (s *Store) invalidate(key crawler.PageKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.memo.Remove(key)
}

// URI delegates to the wrapped store.
func (s *Store) URI(key crawler.PageKey, kind crawler.CacheKind) string {
	return s.next.URI(key, kind)
}

// Len reports the number of memoized pages.
func (s *Store) Len() int {
	return s.memo.Len()
}

func cloneReviews(in []crawler.Review) []crawler.Review {
	out := make([]crawler.Review, len(in))
	for i, r := range in {
		out[i] = r
		if r.Fields != nil {
			out[i].Fields = make(map[string]string, len(r.Fields))
			for k, v := range r.Fields {
				out[i].Fields[k] = v
			}
		}
	}
	return out
}
