package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/progress"
)

// PublisherSink publishes stats snapshots to a topic. Run milestones are
// always published; page events only when they still carry a snapshot,
// which after progress.Coalesce is at most one per run and batch.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// StatsMessage is the payload published for each snapshot.
type StatsMessage struct {
	RunID  string         `json:"runId"`
	Stage  progress.Stage `json:"stage"`
	Target string         `json:"target"`
	TS     time.Time      `json:"ts"`
	Note   string         `json:"note,omitempty"`
	Stats  *crawler.Stats `json:"stats,omitempty"`
}

// MessageAttributes exposes the run, stage and target for broker-side
// filtering.
func (m StatsMessage) MessageAttributes() map[string]string {
	return map[string]string{"runId": m.RunID, "stage": string(m.Stage), "target": m.Target}
}

// NewPublisherSink wires a publisher to the sink interface.
func NewPublisherSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes the batch's snapshots.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var out []StatsMessage
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StagePageDone:
			if evt.Stats == nil {
				continue
			}
		case progress.StageRunStart, progress.StageDiscovered, progress.StageRunDone, progress.StageRunAborted:
		default:
			continue
		}
		out = append(out, StatsMessage{
			RunID:  evt.RunUUID().String(),
			Stage:  evt.Stage,
			Target: evt.Target,
			TS:     evt.TS,
			Note:   evt.Note,
			Stats:  evt.Stats,
		})
	}
	for _, msg := range out {
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish stats: %w", err)
		}
		s.logger.Debug("stats published", zap.String("run_id", msg.RunID), zap.String("stage", string(msg.Stage)), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
