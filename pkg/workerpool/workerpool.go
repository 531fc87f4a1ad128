// Package workerpool runs jobs on a fixed number of worker goroutines.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/andrej220/biusrv/pkg/lg"
)

const TotalMaxWorkers = 10

var ErrStopped = errors.New("worker pool stopped")

type JobFunc[T any] func(ctx context.Context, payload T) error

type Job[T any] struct {
	Payload T
	Fn      JobFunc[T]
	Ctx     context.Context
	// CleanupFunc runs after Fn, even when the job is skipped for a done context.
	CleanupFunc func(err error)
}

type Pool[T any] struct {
	jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	stopOnce      sync.Once
	mu            sync.RWMutex
	stopped       bool
	maxWorkers    int
}

// NewPool starts maxWorkers workers. Non-positive values use TotalMaxWorkers.
func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T], maxWorkers),
		quit:       make(chan struct{}),
		maxWorkers: maxWorkers,
	}
	pool.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go pool.worker()
	}
	return pool
}

// Submit queues a job, blocking while all workers are busy and the queue is full.
// It returns ErrStopped after Stop, or the job context's error if that ends first.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		lg.FromContext(job.Ctx).Debug("Job submitted", lg.Any("job", job.Payload))
		return nil
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	case <-p.quit:
		return ErrStopped
	}
}

// Stop rejects new jobs, lets queued ones drain and waits for the workers.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool[T]) run(job Job[T]) {
	active := atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))

	var err error
	if err = job.Ctx.Err(); err != nil {
		logger.Debug("Job skipped", lg.Err(err))
	} else {
		logger.Debug("Worker started", lg.Int32("workers", active))
		err = job.Fn(job.Ctx, job.Payload)
		if err != nil {
			logger.Debug("Worker error", lg.Err(err))
		}
	}
	if job.CleanupFunc != nil {
		job.CleanupFunc(err)
	}
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) Size() int { return p.maxWorkers }
