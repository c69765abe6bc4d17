package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/progress"
)

// LogSink emits structured logs for each progress event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Page events
// log at debug level; run milestones at info.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("target", evt.Target),
		}
		if evt.Page > 0 {
			fields = append(fields, zap.Int("page", evt.Page))
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", string(evt.Source)), zap.Int("reviews", evt.Reviews))
		}
		if evt.Stats != nil {
			fields = append(fields,
				zap.Int("scraped_pages", evt.Stats.ScrapedPages),
				zap.Int("total_pages", evt.Stats.TotalPages),
				zap.Int("scraped_reviews", evt.Stats.ScrapedReviewsCount),
				zap.Float64("accuracy", evt.Stats.Accuracy),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}

		switch evt.Stage {
		case progress.StagePageDone, progress.StagePageSkipped:
			s.logger.Debug("progress event", fields...)
		case progress.StagePageFailed, progress.StageRunAborted:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
