// Package pool provides a fixed-size worker pool for blocking model invocations.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool queue is full")
)

// Task represents a unit of work, typically one model invocation.
type Task func(ctx context.Context) error

// WorkerPool runs blocking tasks on a fixed set of worker goroutines.
// Model handlers execute here, off the request-handling goroutines, so a
// slow inference call never stalls admission or batch bookkeeping.
type WorkerPool struct {
	workers   int
	taskQueue chan taskWrapper
	closed    atomic.Bool
	wg        sync.WaitGroup

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	active    atomic.Int32

	panicHandler func(any)
}

type taskWrapper struct {
	task   Task
	ctx    context.Context
	result chan error
}

// Config configures the pool.
type Config struct {
	// Workers is the number of parallel executors. It should match the
	// admission limiter's MaxConcurrent so the two bounds do not fight.
	Workers int `json:"workers"`
	// QueueSize bounds tasks waiting for a worker.
	QueueSize int `json:"queue_size"`
	// PanicHandler receives recovered panics from tasks.
	PanicHandler func(any) `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 64,
	}
}

// NewWorkerPool creates a pool and starts its workers.
func NewWorkerPool(config Config) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.Workers
	}

	p := &WorkerPool{
		workers:      config.Workers,
		taskQueue:    make(chan taskWrapper, config.QueueSize),
		panicHandler: config.PanicHandler,
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Run submits a task and waits for it to complete. The task's error is
// returned unchanged; the pool never retries. If ctx ends before a worker
// picks the task up, the task is abandoned and ctx.Err() is returned; a
// task already running is left to finish (its error is still consumed so
// the worker does not block).
func (p *WorkerPool) Run(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	wrapper := taskWrapper{
		task:   task,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	select {
	case p.taskQueue <- wrapper:
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-wrapper.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryRun submits a task without waiting for queue space. It returns
// ErrPoolFull when no slot is free, then waits for completion as Run does.
func (p *WorkerPool) TryRun(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	wrapper := taskWrapper{
		task:   task,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	select {
	case p.taskQueue <- wrapper:
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}

	select {
	case err := <-wrapper.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for wrapper := range p.taskQueue {
		if wrapper.ctx.Err() != nil {
			// Caller already gone before execution started.
			wrapper.result <- wrapper.ctx.Err()
			close(wrapper.result)
			p.rejected.Add(1)
			continue
		}

		p.active.Add(1)
		err := p.executeTask(wrapper)
		p.active.Add(-1)

		wrapper.result <- err
		close(wrapper.result)

		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *WorkerPool) executeTask(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return wrapper.task(wrapper.ctx)
}

// Close stops accepting tasks and waits for in-flight tasks to finish.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.taskQueue)
	p.wg.Wait()
}

// Workers returns the configured worker count.
func (p *WorkerPool) Workers() int { return p.workers }

// Stats returns pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// WaitIdle blocks until no tasks are active or queued, or the timeout
// elapses. Used by graceful shutdown between draining admission and
// closing the pool.
func (p *WorkerPool) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.active.Load() == 0 && len(p.taskQueue) == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
