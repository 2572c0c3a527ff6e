package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull  = errors.New("pipeline queue is full")
	ErrPoolClosed = errors.New("pipeline pool is shut down")
)

// Job is one unit of work. ctx is cancelled when Shutdown gives up waiting.
type Job func(ctx context.Context)

type workItem struct {
	name string
	fn   Job
}

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
type Pool struct {
	work   chan workItem
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		work:   make(chan workItem, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	log.Debug().Int("workers", workers).Int("queue", queueSize).Msg("starting pipeline workers")
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")
			for item := range p.work {
				p.process(workerID, item)
			}
			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}
	return p
}

func (p *Pool) process(workerID int, item workItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("worker", workerID).Str("job", item.name).Interface("panic", r).Msg("pipeline job panicked")
		}
	}()
	item.fn(p.ctx)
}

// Submit queues fn without blocking. With an unbuffered queue a job is
// accepted only when a worker is idle.
func (p *Pool) Submit(name string, fn Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.work <- workItem{name: name, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Queued is the number of jobs waiting for a worker.
func (p *Pool) Queued() int { return len(p.work) }

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. When ctx ends first, running jobs are cancelled and ctx.Err() is
// returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.work)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
