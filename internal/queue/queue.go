// Package queue defines the page job queue the crawler drains. Jobs move
// waiting -> active -> completed|failed and are never retried.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// State is the lifecycle state of a job record.
type State string

// Job states.
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrClosed is returned by Dequeue and Add once the queue is closed.
var ErrClosed = errors.New("queue closed")

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateWaiting, StateActive, StateCompleted, StateFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job state %q", s)
	}
}

// Job is the queue's record of one page job.
type Job struct {
	ID        string          `json:"id"`
	Page      crawler.PageJob `json:"page"`
	State     State           `json:"state"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Counts summarizes job records by state.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Handler processes one job. A returned error marks the job failed.
type Handler func(ctx context.Context, job Job) error

// Queue is a FIFO of page jobs with a drain signal.
type Queue interface {
	// Add appends jobs atomically, in order.
	Add(ctx context.Context, jobs ...crawler.PageJob) ([]Job, error)
	// Dequeue blocks until a job is available and marks it active.
	Dequeue(ctx context.Context) (Job, error)
	// Complete records the outcome of an active job.
	Complete(job Job, err error) error
	// Drained returns a channel closed once nothing is waiting or active.
	Drained() <-chan struct{}
	// Clean discards records in state older than grace.
	Clean(grace time.Duration, state State) (int, error)
	// Stats returns counts by state.
	Stats() Counts
	// Close wakes blocked consumers and rejects further work.
	Close()
}
