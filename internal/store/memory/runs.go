// Package memory keeps crawl runs in process memory for the status API.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/store"
)

// DefaultMaxRuns bounds the number of retained runs.
const DefaultMaxRuns = 100

// Runs is an in-memory store.RunRepository. The oldest runs are evicted
// once more than maxRuns are held.
type Runs struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]*store.Run
	maxRuns int
}

var _ store.RunRepository = (*Runs)(nil)

// NewRuns creates an empty repository. maxRuns below one uses DefaultMaxRuns.
func NewRuns(maxRuns int) *Runs {
	if maxRuns < 1 {
		maxRuns = DefaultMaxRuns
	}
	return &Runs{runs: make(map[uuid.UUID]*store.Run), maxRuns: maxRuns}
}

// StartRun records a running run.
func (r *Runs) StartRun(_ context.Context, id uuid.UUID, target string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok {
		run.Target = target
		if startedAt.Before(run.StartedAt) {
			run.StartedAt = startedAt
		}
		return nil
	}
	r.runs[id] = &store.Run{
		ID:        id,
		Target:    target,
		Status:    store.RunRunning,
		StartedAt: startedAt,
		UpdatedAt: startedAt,
	}
	r.evict()
	return nil
}

// UpdateStats keeps the newest snapshot of a run.
func (r *Runs) UpdateStats(_ context.Context, id uuid.UUID, stats crawler.Stats, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	if at.Before(run.UpdatedAt) && !run.Stats.IsZero() {
		return nil
	}
	run.Stats = stats.Clone()
	run.UpdatedAt = at
	return nil
}

// FinishRun marks a run finished.
func (r *Runs) FinishRun(_ context.Context, id uuid.UUID, finishedAt time.Time, status store.RunStatus, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	if finishedAt.After(run.UpdatedAt) {
		run.UpdatedAt = finishedAt
	}
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	return nil
}

// GetRun returns a copy of one run.
func (r *Runs) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return copyRun(run), nil
}

// LatestRun returns the most recently started run.
func (r *Runs) LatestRun(_ context.Context) (store.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sorted := r.sorted()
	if len(sorted) == 0 {
		return store.Run{}, store.ErrNotFound
	}
	return copyRun(sorted[0]), nil
}

// ListRuns returns runs newest first.
func (r *Runs) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Run, 0)
	skipped := 0
	for _, run := range r.sorted() {
		if status != nil && run.Status != *status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, copyRun(run))
	}
	return out, nil
}

func (r *Runs) sorted() []*store.Run {
	out := make([]*store.Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (r *Runs) evict() {
	if len(r.runs) <= r.maxRuns {
		return
	}
	sorted := r.sorted()
	for _, run := range sorted[r.maxRuns:] {
		delete(r.runs, run.ID)
	}
}

func copyRun(run *store.Run) store.Run {
	out := *run
	out.Stats = run.Stats.Clone()
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		out.FinishedAt = &finished
	}
	if run.ErrorMessage != nil {
		msg := *run.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}
