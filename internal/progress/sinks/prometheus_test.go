package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and gauges follow a run.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	stats := &crawler.Stats{Target: "B07", TotalPages: 3, ScrapedPages: 1, Accuracy: 0.4}
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Target: "B07"},
		{
			RunID:   runID,
			TS:      now.Add(time.Second),
			Stage:   progress.StagePageDone,
			Target:  "B07",
			Page:    1,
			Source:  crawler.SourceLive,
			Reviews: 10,
			Stats:   stats,
			Dur:     200 * time.Millisecond,
		},
		{RunID: runID, TS: now, Stage: progress.StagePageFailed, Target: "B07", Page: 2},
		{RunID: runID, TS: now, Stage: progress.StagePageSkipped, Target: "B07", Page: 3},
		{RunID: runID, TS: now.Add(3 * time.Second), Stage: progress.StageRunDone, Target: "B07", Stats: stats, Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("aborted")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("B07", "done")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("B07", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("B07", "skipped")))
	require.InDelta(t, 10.0, testutil.ToFloat64(sink.reviews.WithLabelValues("B07", "live")), 1e-9)
	require.InDelta(t, 0.4, testutil.ToFloat64(sink.accuracy.WithLabelValues("B07")), 1e-9)
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.expectedPages.WithLabelValues("B07")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDuration, "crawler_page_duration_seconds"))
}

// TestPrometheusSinkRunningGauge tracks concurrent runs and ignores duplicates.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	a := progress.UUIDToBytes(uuid.New())
	b := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: a, TS: now, Stage: progress.StageRunStart, Target: "A"},
		{RunID: a, TS: now, Stage: progress.StageRunStart, Target: "A"},
		{RunID: b, TS: now, Stage: progress.StageRunStart, Target: "B"},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: a, TS: now, Stage: progress.StageRunAborted, Target: "A"},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("aborted")))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
