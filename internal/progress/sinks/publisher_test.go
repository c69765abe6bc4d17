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
	"github.com/JakeFAU/review-crawler/internal/publisher/memory"
)

func TestPublisherSinkCollapsesPageSnapshots(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "crawl-stats", nil)
	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, Target: "B07", TS: now},
		{RunID: runID, Stage: progress.StagePageDone, Target: "B07", Page: 1, TS: now, Stats: &crawler.Stats{ScrapedPages: 1}},
		{RunID: runID, Stage: progress.StagePageDone, Target: "B07", Page: 2, TS: now, Stats: &crawler.Stats{ScrapedPages: 2}},
		{RunID: runID, Stage: progress.StagePageFailed, Target: "B07", Page: 3, TS: now},
		{RunID: runID, Stage: progress.StageRunDone, Target: "B07", TS: now, Stats: &crawler.Stats{ScrapedPages: 2}},
	}
	require.NoError(t, sink.Consume(context.Background(), progress.Coalesce(batch)))

	msgs := pub.ByTopic("crawl-stats")
	require.Len(t, msgs, 2, "page snapshots superseded by the run result are not published")
	require.Equal(t, progress.StageRunStart, msgs[0].(StatsMessage).Stage)
	require.Equal(t, progress.StageRunDone, msgs[1].(StatsMessage).Stage)
	require.Equal(t, 2, msgs[1].(StatsMessage).Stats.ScrapedPages)

	require.NoError(t, sink.Consume(context.Background(), progress.Coalesce(batch[:4])))
	msgs = pub.ByTopic("crawl-stats")
	require.Len(t, msgs, 4)
	page := msgs[3].(StatsMessage)
	require.Equal(t, progress.StagePageDone, page.Stage)
	require.Equal(t, 2, page.Stats.ScrapedPages, "newest page snapshot wins")
	require.Equal(t, map[string]string{
		"runId":  uuid.UUID(runID).String(),
		"stage":  "RUN_DONE",
		"target": "B07",
	}, msgs[1].(StatsMessage).MessageAttributes())
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}

func TestPublisherSinkPropagatesErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "t", nil)
	err := sink.Consume(context.Background(), []progress.Event{{
		RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunStart, Target: "B07", TS: time.Now(),
	}})
	require.Error(t, err)

	require.NoError(t, NewPublisherSink(nil, "t", nil).Consume(context.Background(), nil))
}
