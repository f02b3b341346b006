package worker

import (
	"context"
	"sync"
	"time"

	"github.com/oriva/events-api/pkg/logger"
)

// Job is one unit of background work.
type Job func(ctx context.Context)

// Pool is a bounded work queue with a fixed number of workers. Submit never
// blocks: when the queue is full the job is rejected, which puts an upper
// bound on concurrent outbound work during publish spikes.
type Pool struct {
	jobs    chan Job
	workers int
	logger  *logger.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

func NewPool(workers, queueSize int, logger *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 10
	}
	return &Pool{
		jobs:    make(chan Job, queueSize),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the worker goroutines. They drain the queue until the
// context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					job(ctx)
				}
			}
		}()
	}
}

// Submit enqueues a job. It reports false when the queue is full.
func (p *Pool) Submit(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Retry runs fn up to attempts times, sleeping delay between tries.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return err
}
