package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// BOUNDED EXECUTOR
// =============================================================================

// executor bounds concurrent thought work with a weighted semaphore. A
// round may claim up to the active-thought budget, but only this many
// thoughts evaluate at once; the rest wait for a slot.
type executor struct {
	sem *semaphore.Weighted

	executing atomic.Int32
	waiting   atomic.Int32
	totalRuns atomic.Int64
	totalWait atomic.Int64 // nanoseconds
}

func newExecutor(parallelism int) *executor {
	return &executor{sem: semaphore.NewWeighted(int64(parallelism))}
}

// run fans the batch out over the slots and blocks until every started
// thought finishes. It returns how many thoughts actually ran; a cancelled
// context stops handing out slots, and unstarted thoughts stay PROCESSING
// for the shutdown sweep to fail.
func (e *executor) run(ctx context.Context, thoughts []*types.Thought, fn func(ctx context.Context, th *types.Thought)) int {
	var wg sync.WaitGroup
	started := 0
	for _, th := range thoughts {
		if err := e.acquire(ctx); err != nil {
			logging.ProcessorWarn("executor stopped mid-batch: %v (%d/%d started)",
				err, started, len(thoughts))
			break
		}
		started++
		wg.Add(1)
		go func(th *types.Thought) {
			defer wg.Done()
			defer e.release()
			fn(ctx, th)
		}(th)
	}
	wg.Wait()
	return started
}

// acquire blocks until a slot frees up or the context dies.
func (e *executor) acquire(ctx context.Context) error {
	if !e.sem.TryAcquire(1) {
		// Saturated: wait with metrics.
		e.waiting.Add(1)
		waitStart := time.Now()
		err := e.sem.Acquire(ctx, 1)
		e.waiting.Add(-1)
		e.totalWait.Add(int64(time.Since(waitStart)))
		if err != nil {
			return err
		}
	}
	e.executing.Add(1)
	e.totalRuns.Add(1)
	return nil
}

func (e *executor) release() {
	e.executing.Add(-1)
	e.sem.Release(1)
}

// stats reports current and cumulative executor load.
func (e *executor) stats() (executing, waiting int32, runs int64, avgWait time.Duration) {
	runs = e.totalRuns.Load()
	if runs > 0 {
		avgWait = time.Duration(e.totalWait.Load() / runs)
	}
	return e.executing.Load(), e.waiting.Load(), runs, avgWait
}
