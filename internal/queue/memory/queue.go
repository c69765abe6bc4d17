// Package memory provides the in-process page job queue.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/review-crawler/internal/clock/system"
	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/id/uuid"
	"github.com/JakeFAU/review-crawler/internal/metrics"
	"github.com/JakeFAU/review-crawler/internal/queue"
)

// Queue is an unbounded FIFO with job records, a drain signal and cleaning.
// One Queue serves successive runs: each batch of Adds arms a new drain cycle.
type Queue struct {
	mu      sync.Mutex
	clock   crawler.Clock
	ids     crawler.IDGenerator
	pending []string
	jobs    map[string]*queue.Job
	active  int

	notify        chan struct{}
	drained       chan struct{}
	drainedClosed bool

	closed bool
	done   chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue constructs an empty, idle queue. Nil collaborators default to the
// system clock and UUIDv7 job IDs.
func NewQueue(clock crawler.Clock, ids crawler.IDGenerator) *Queue {
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	drained := make(chan struct{})
	close(drained)
	return &Queue{
		clock:         clock,
		ids:           ids,
		jobs:          make(map[string]*queue.Job),
		notify:        make(chan struct{}, 1),
		drained:       drained,
		drainedClosed: true,
		done:          make(chan struct{}),
	}
}

// Add appends jobs atomically in FIFO order.
func (q *Queue) Add(ctx context.Context, jobs ...crawler.PageJob) ([]queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("add canceled: %w", err)
	}
	records := make([]*queue.Job, 0, len(jobs))
	now := q.clock.Now()
	for _, pj := range jobs {
		if pj.PageNumber < 1 {
			return nil, fmt.Errorf("invalid page number %d", pj.PageNumber)
		}
		id, err := q.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("new job id: %w", err)
		}
		records = append(records, &queue.Job{
			ID:        id,
			Page:      pj,
			State:     queue.StateWaiting,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	out := make([]queue.Job, 0, len(records))
	for _, rec := range records {
		q.jobs[rec.ID] = rec
		q.pending = append(q.pending, rec.ID)
		out = append(out, *rec)
	}
	if len(records) > 0 {
		if q.drainedClosed {
			q.drained = make(chan struct{})
			q.drainedClosed = false
		}
		q.signal()
	}
	q.publishGauges()
	return out, nil
}

// Dequeue pops the oldest waiting job and marks it active.
func (q *Queue) Dequeue(ctx context.Context) (queue.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return queue.Job{}, queue.ErrClosed
		}
		if len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			rec := q.jobs[id]
			rec.State = queue.StateActive
			rec.UpdatedAt = q.clock.Now()
			q.active++
			if len(q.pending) > 0 {
				q.signal()
			}
			q.publishGauges()
			job := *rec
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return queue.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return queue.Job{}, queue.ErrClosed
		case <-q.notify:
		}
	}
}

// Complete marks an active job completed, or failed when err is non-nil.
func (q *Queue) Complete(job queue.Job, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s not found", job.ID)
	}
	if rec.State != queue.StateActive {
		return fmt.Errorf("job %s is %s, not active", job.ID, rec.State)
	}
	rec.State = queue.StateCompleted
	if err != nil {
		rec.State = queue.StateFailed
		rec.Error = err.Error()
	}
	rec.UpdatedAt = q.clock.Now()
	q.active--
	q.checkDrained()
	q.publishGauges()
	return nil
}

// Drained returns the channel of the current drain cycle. Obtain it after
// seeding; an idle queue returns an already-closed channel.
func (q *Queue) Drained() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}

// Clean discards records in state whose last transition is older than grace.
// Cleaning waiting jobs removes them from the pending list.
func (q *Queue) Clean(grace time.Duration, state queue.State) (int, error) {
	if _, err := queue.ParseState(string(state)); err != nil {
		return 0, err
	}
	if grace < 0 {
		return 0, fmt.Errorf("grace must not be negative")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.clock.Now().Add(-grace)
	removed := make(map[string]struct{})
	for id, rec := range q.jobs {
		if rec.State != state || rec.UpdatedAt.After(cutoff) {
			continue
		}
		delete(q.jobs, id)
		removed[id] = struct{}{}
		if state == queue.StateActive {
			q.active--
		}
	}
	if state == queue.StateWaiting && len(removed) > 0 {
		kept := q.pending[:0]
		for _, id := range q.pending {
			if _, gone := removed[id]; !gone {
				kept = append(kept, id)
			}
		}
		q.pending = kept
	}
	q.checkDrained()
	q.publishGauges()
	return len(removed), nil
}

// Stats returns counts by state.
func (q *Queue) Stats() queue.Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts()
}

// Close wakes blocked consumers and rejects further work.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) checkDrained() {
	if q.drainedClosed || len(q.pending) > 0 || q.active > 0 {
		return
	}
	close(q.drained)
	q.drainedClosed = true
}

func (q *Queue) counts() queue.Counts {
	var c queue.Counts
	for _, rec := range q.jobs {
		switch rec.State {
		case queue.StateWaiting:
			c.Waiting++
		case queue.StateActive:
			c.Active++
		case queue.StateCompleted:
			c.Completed++
		case queue.StateFailed:
			c.Failed++
		}
	}
	return c
}

func (q *Queue) publishGauges() {
	c := q.counts()
	metrics.SetQueueJobs(string(queue.StateWaiting), c.Waiting)
	metrics.SetQueueJobs(string(queue.StateActive), c.Active)
	metrics.SetQueueJobs(string(queue.StateCompleted), c.Completed)
	metrics.SetQueueJobs(string(queue.StateFailed), c.Failed)
}
