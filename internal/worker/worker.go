// Package worker implements the page job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/metrics"
	"github.com/JakeFAU/review-crawler/internal/queue"
)

// Worker consumes page jobs and runs the handler on each.
type Worker struct {
	id      int
	queue   queue.Queue
	handler queue.Handler
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, q queue.Queue, handler queue.Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   q,
		handler: handler,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.Int("page", job.Page.PageNumber))
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job queue.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	err := w.invoke(ctx, job)
	status := string(queue.StateCompleted)
	if err != nil {
		status = string(queue.StateFailed)
		w.logger.Warn("page job failed",
			zap.String("job_id", job.ID),
			zap.Int("page", job.Page.PageNumber),
			zap.Error(err),
		)
	}
	metrics.ObserveJob(status)

	if cErr := w.queue.Complete(job, err); cErr != nil {
		w.logger.Error("complete job failed", zap.String("job_id", job.ID), zap.Error(cErr))
	}
}

// invoke runs the handler, converting a panic into a job failure.
func (w *Worker) invoke(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("page job panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if w.handler == nil {
		return errors.New("no job handler configured")
	}
	return w.handler(ctx, job)
}
