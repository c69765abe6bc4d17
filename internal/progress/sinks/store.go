package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/progress"
	"github.com/JakeFAU/review-crawler/internal/store"
)

// StoreSink persists run progress via a store.RunRepository. Within a batch
// only the newest stats snapshot per run is written.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run milestones and collapsed snapshots to the repository.
// It respects ctx deadlines and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[uuid.UUID]snapshot)
	var finishes []progress.Event

	for _, evt := range batch {
		runID := evt.RunUUID()
		if evt.Stage == progress.StageRunStart {
			if err := s.repo.StartRun(ctx, runID, evt.Target, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		}
		if evt.Stats != nil {
			if cur, ok := latest[runID]; !ok || !evt.TS.Before(cur.at) {
				latest[runID] = snapshot{stats: *evt.Stats, at: evt.TS}
			}
		}
		if evt.Stage == progress.StageRunDone || evt.Stage == progress.StageRunAborted {
			finishes = append(finishes, evt)
		}
	}

	for runID, snap := range latest {
		if err := s.repo.UpdateStats(ctx, runID, snap.stats, snap.at); err != nil {
			return fmt.Errorf("update run stats: %w", err)
		}
	}
	for _, evt := range finishes {
		status := store.RunSuccess
		var note *string
		if evt.Stage == progress.StageRunAborted {
			status = store.RunAborted
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
		}
		if err := s.repo.FinishRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type snapshot struct {
	stats crawler.Stats
	at    time.Time
}
