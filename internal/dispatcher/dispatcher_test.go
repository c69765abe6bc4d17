// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/queue"
	"github.com/JakeFAU/review-crawler/internal/queue/memory"
)

// TestDispatcherBoundsConcurrency ensures no more than the configured number
// of handlers run at once.
func TestDispatcherBoundsConcurrency(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(nil, nil)
	jobs := make([]crawler.PageJob, 0, 20)
	for p := 1; p <= 20; p++ {
		jobs = append(jobs, crawler.PageJob{PageNumber: p})
	}
	_, err := q.Add(context.Background(), jobs...)
	require.NoError(t, err)
	drained := q.Drained()

	var running, peak atomic.Int32
	handler := func(context.Context, queue.Job) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	d := New(q, handler, 3, zap.NewNop())
	require.Equal(t, 3, d.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, queue.Counts{Completed: 20}, q.Stats())
}

// TestDispatcherMinimumOneWorker guards against a zero-sized pool.
func TestDispatcherMinimumOneWorker(t *testing.T) {
	t.Parallel()

	d := New(memory.NewQueue(nil, nil), nil, 0, nil)
	assert.Equal(t, 1, d.Size())
}
