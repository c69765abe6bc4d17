package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunAborted RunStatus = "aborted"
)

// ParseRunStatus validates a status filter.
func ParseRunStatus(s string) (RunStatus, error) {
	switch st := RunStatus(s); st {
	case RunRunning, RunSuccess, RunAborted:
		return st, nil
	default:
		return "", fmt.Errorf("invalid status %q", s)
	}
}

// Run is one crawl run as reported by progress events.
type Run struct {
	ID         uuid.UUID
	Target     string
	Status     RunStatus
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
	// Stats is the latest snapshot; zero until discovery completes.
	Stats crawler.Stats
	// ErrorMessage holds the abort reason, if any.
	ErrorMessage *string
}

// RunRepository persists run progress.
type RunRepository interface {
	// StartRun inserts (or idempotently updates) a running run.
	StartRun(ctx context.Context, id uuid.UUID, target string, startedAt time.Time) error
	// UpdateStats stores the latest snapshot if it is newer than the stored one.
	UpdateStats(ctx context.Context, id uuid.UUID, stats crawler.Stats, at time.Time) error
	// FinishRun marks the run finished.
	FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// LatestRun returns the most recently started run or ErrNotFound.
	LatestRun(ctx context.Context) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
