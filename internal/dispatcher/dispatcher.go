// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/queue"
	"github.com/JakeFAU/review-crawler/internal/worker"
)

// Dispatcher fans out queue work to a bounded pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher with concurrency workers sharing one handler.
// Concurrency below one is treated as one.
func New(q queue.Queue, handler queue.Handler, concurrency int, logger *zap.Logger) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		workers = append(workers, worker.New(i+1, q, handler, logger))
	}
	return &Dispatcher{workers: workers}
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
