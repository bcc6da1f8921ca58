// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrNilTask   = errors.New("nil task")
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Task is a unit of work run by the pool. Errors are logged by the pool;
// tasks that need their own bookkeeping handle errors before returning.
type Task func(ctx context.Context) error

type Pool struct {
	wg   sync.WaitGroup
	jobs chan Task
	quit chan struct{}
	once sync.Once
	n    int
	log  *zerolog.Logger
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	l := logger.With().Str("component", "worker_pool").Logger()
	return &Pool{jobs: make(chan Task, workers*4), quit: make(chan struct{}), n: workers, log: &l}
}

// Size is the number of worker goroutines.
func (p *Pool) Size() int { return p.n }

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case task := <-p.jobs:
					if task == nil {
						continue
					}
					if err := task(ctx); err != nil {
						p.log.Warn().Err(err).Int("worker", id).Msg("task error")
					}
				}
			}
		}(i)
	}
}

// Stop signals the workers and waits for in-flight tasks. Queued tasks that
// were not picked up are dropped.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// Submit queues task without blocking.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues task, blocking until there is room, ctx is done or the
// pool is stopped.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	if task == nil {
		return ErrNilTask
	}
	select {
	case p.jobs <- task:
		return nil
	case <-p.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
