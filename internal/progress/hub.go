package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 64
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

// Config tunes how the Hub batches crawl events. Zero values take defaults.
// A batch is flushed when it reaches MaxBatchEvents, when MaxBatchWait
// passes after its first event, or as soon as a run-closing event arrives.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext parents sink calls. Nil uses context.Background.
	BaseContext context.Context
	Logger      *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub buffers crawl events from the orchestrator and fans batches out to the
// sinks. Emit never blocks, so a slow sink cannot stall page workers.
//
// Before a batch goes out, page events whose stats snapshot is superseded by
// a later event of the same run lose that snapshot. Every event still
// reaches every sink, but each run carries at most one page-level snapshot
// per batch.
type Hub struct {
	cfg   Config
	sinks []Sink
	in    chan Event
	quit  chan struct{}
	done  chan struct{}

	dropped  atomic.Int64
	dropWarn rate.Sometimes
	closed   atomic.Bool
	stopOnce sync.Once
	closeCtx context.Context
}

// NewHub starts the batching goroutine and returns a ready Hub.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		in:       make(chan Event, cfg.BufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{Interval: dropWarnInterval},
	}
	go h.loop()
	return h
}

// Emit queues an event. Invalid events are discarded. When the buffer is
// full the event is dropped and counted.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.cfg.Logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
	default:
		total := h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.cfg.Logger.Warn("progress events dropped",
				zap.Int64("dropped_total", total),
				zap.String("stage", string(evt.Stage)),
				zap.String("target", evt.Target))
		})
	}
}

// Dropped reports how many events were discarded for lack of buffer space.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close flushes what is buffered, closes the sinks and waits for the batching
// goroutine. Repeated calls wait on the same shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	var (
		batch    = make([]Event, 0, h.cfg.MaxBatchEvents)
		timer    *time.Timer
		deadline <-chan time.Time
	)
	send := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		h.dispatch(Coalesce(batch))
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-h.in:
			batch = append(batch, evt)
			switch {
			case len(batch) >= h.cfg.MaxBatchEvents, evt.Stage.Terminal():
				send()
			case timer == nil:
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			timer, deadline = nil, nil
			send()
		case <-h.quit:
			for len(h.in) > 0 {
				batch = append(batch, <-h.in)
				if len(batch) >= h.cfg.MaxBatchEvents {
					send()
				}
			}
			send()
			h.closeSinks()
			return
		}
	}
}

// dispatch hands one batch to every sink. Sinks share the slice and must
// not modify it.
func (h *Hub) dispatch(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.cfg.Logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.cfg.Logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// Coalesce returns a copy of batch in which every page event whose Stats is
// superseded by a later snapshot of the same run has Stats cleared. Run
// milestones keep their snapshots. Event order and count are preserved.
func Coalesce(batch []Event) []Event {
	out := append([]Event(nil), batch...)
	seen := make(map[[16]byte]bool)
	for i := len(out) - 1; i >= 0; i-- {
		evt := &out[i]
		if evt.Stats == nil {
			continue
		}
		if seen[evt.RunID] && isPageStage(evt.Stage) {
			evt.Stats = nil
			continue
		}
		seen[evt.RunID] = true
	}
	return out
}

func isPageStage(s Stage) bool {
	return s == StagePageDone || s == StagePageFailed || s == StagePageSkipped
}
