package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/progress"
	"github.com/JakeFAU/review-crawler/internal/store"
	"github.com/JakeFAU/review-crawler/internal/store/memory"
)

// TestStoreSinkPersistsRun ensures a run's lifecycle and newest snapshot land in the repository.
func TestStoreSinkPersistsRun(t *testing.T) {
	t.Parallel()

	repo := memory.NewRuns(0)
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, Target: "B07", TS: now},
		{RunID: runID, Stage: progress.StagePageDone, Target: "B07", Page: 1, TS: now.Add(time.Second),
			Stats: &crawler.Stats{Target: "B07", ScrapedPages: 1}},
		{RunID: runID, Stage: progress.StagePageDone, Target: "B07", Page: 2, TS: now.Add(2 * time.Second),
			Stats: &crawler.Stats{Target: "B07", ScrapedPages: 2}},
		{RunID: runID, Stage: progress.StageRunDone, Target: "B07", TS: now.Add(3 * time.Second),
			Stats: &crawler.Stats{Target: "B07", ScrapedPages: 2, TotalPages: 2}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	run, err := repo.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, 2, run.Stats.TotalPages)
	require.NotNil(t, run.FinishedAt)
}

// TestStoreSinkAbortedRun records the abort reason.
func TestStoreSinkAbortedRun(t *testing.T) {
	t.Parallel()

	repo := memory.NewRuns(0)
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, Target: "B07", TS: now},
		{RunID: runID, Stage: progress.StageRunAborted, Target: "B07", TS: now, Note: "discovery failed"},
	}))

	run, err := repo.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	require.Equal(t, store.RunAborted, run.Status)
	require.NotNil(t, run.ErrorMessage)
	require.Equal(t, "discovery failed", *run.ErrorMessage)
}

// TestStoreSinkPropagatesErrors wraps repository failures.
func TestStoreSinkPropagatesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(memory.NewRuns(0), nil)
	err := sink.Consume(context.Background(), []progress.Event{{
		RunID: progress.UUIDToBytes(uuid.New()),
		Stage: progress.StageRunDone,
		TS:    time.Now(),
		Stats: &crawler.Stats{},
	}})
	require.Error(t, err)
	require.True(t, errors.Is(err, store.ErrNotFound))

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}
