package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowengine/pkg/schema"
)

// PoolMetrics is a snapshot of run pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many independent runs execute at once. Each submitted
// job owns its run; jobs share nothing but the engine.
type WorkerPool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	done   chan struct{}
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool running at most size jobs concurrently.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit blocks until a slot is free, then runs job on its own goroutine.
// A panicking job is recovered and counted as failed.
func (p *WorkerPool) Submit(ctx context.Context, job func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot Wait in between.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()

		if err := job(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until all submitted jobs return.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for running jobs.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

// BatchRunner executes many independent runs on a shared engine through a
// bounded pool.
type BatchRunner struct {
	engine *Engine
	pool   *WorkerPool
}

func NewBatchRunner(e *Engine, concurrency int) *BatchRunner {
	return &BatchRunner{engine: e, pool: NewWorkerPool(concurrency)}
}

// RunAll runs every request and returns results in request order once the
// pool is idle. A run that ends in any status other than SUCCEEDED or STOPPED
// counts as failed in the pool metrics. Requests that could not be submitted get an INTERNAL_ERROR
// result carrying the submission error.
func (b *BatchRunner) RunAll(ctx context.Context, reqs []RunRequest) []*RunResult {
	results := make([]*RunResult, len(reqs))
	for i, req := range reqs {
		err := b.pool.Submit(ctx, func(ctx context.Context) error {
			res, err := b.runSafely(ctx, req)
			if err != nil {
				res = &RunResult{RunID: req.RunID, Status: schema.RunStatusInternalError, Error: asFlowError(err)}
			}
			results[i] = res
			if res.Status != schema.RunStatusSucceeded && res.Status != schema.RunStatusStopped {
				return fmt.Errorf("run %s ended %s", res.RunID, res.Status)
			}
			return nil
		})
		if err != nil {
			results[i] = &RunResult{RunID: req.RunID, Status: schema.RunStatusInternalError, Error: asFlowError(err)}
		}
	}
	b.pool.Wait()
	return results
}

// runSafely turns a panic inside the engine into a fatal error for that run only.
func (b *BatchRunner) runSafely(ctx context.Context, req RunRequest) (res *RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeFatal, "run panicked: %v", r)
		}
	}()
	return b.engine.Run(ctx, req)
}

func (b *BatchRunner) Metrics() PoolMetrics { return b.pool.Metrics() }

// Close waits for in-flight runs and rejects further batches.
func (b *BatchRunner) Close() { b.pool.Shutdown() }

func asFlowError(err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeCancelled, err.Error()).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeFatal, err.Error()).WithCause(err)
}
