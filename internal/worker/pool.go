// Package worker runs adjudication jobs on a fixed set of goroutines fed by a
// bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull   = errors.New("worker queue full")
	ErrPoolClosed  = errors.New("worker pool closed")
	ErrDuplicateID = errors.New("job already queued")
)

type Config struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize)
	}
	return nil
}

// JobFunc does the work for one job. ctx is cancelled when the job is
// cancelled through the pool or the pool shuts down.
type JobFunc func(ctx context.Context)

type job struct {
	id  string
	ctx context.Context
	fn  JobFunc
}

type Pool struct {
	cfg    Config
	log    zerolog.Logger
	jobs   chan job
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64
}

func New(cfg Config, log zerolog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, stop := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		log:     log,
		jobs:    make(chan job, cfg.QueueSize),
		base:    base,
		stop:    stop,
		cancels: make(map[string]context.CancelFunc),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	log.Info().Int("workers", cfg.Workers).Int("queue_size", cfg.QueueSize).Msg("worker pool started")
	return p, nil
}

func (p *Pool) run(workerID int) {
	defer p.wg.Done()
	for j := range p.jobs {
		if j.ctx.Err() != nil {
			p.cancelled.Add(1)
		}
		j.fn(j.ctx)
		p.release(j.id)
		p.completed.Add(1)
	}
	p.log.Debug().Int("worker", workerID).Msg("worker stopped")
}

// TrySubmit queues fn without blocking, returning ErrQueueFull when every
// worker is busy and the queue is at capacity.
func (p *Pool) TrySubmit(id string, fn JobFunc) error {
	return p.submit(context.Background(), false, id, fn)
}

// Submit queues fn, waiting for queue space until ctx is done.
func (p *Pool) Submit(ctx context.Context, id string, fn JobFunc) error {
	return p.submit(ctx, true, id, fn)
}

func (p *Pool) submit(ctx context.Context, block bool, id string, fn JobFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	jctx, cancel := context.WithCancel(p.base)
	p.cancelMu.Lock()
	if _, exists := p.cancels[id]; exists {
		p.cancelMu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	p.cancels[id] = cancel
	p.cancelMu.Unlock()

	j := job{id: id, ctx: jctx, fn: fn}
	if !block {
		select {
		case p.jobs <- j:
		default:
			p.release(id)
			p.rejected.Add(1)
			return ErrQueueFull
		}
	} else {
		select {
		case p.jobs <- j:
		case <-ctx.Done():
			p.release(id)
			p.rejected.Add(1)
			return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
		}
	}
	p.submitted.Add(1)
	return nil
}

// Cancel signals the job's context. It reports false when the job is not
// queued or running.
func (p *Pool) Cancel(id string) bool {
	p.cancelMu.Lock()
	cancel, ok := p.cancels[id]
	p.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) release(id string) {
	p.cancelMu.Lock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
	p.cancelMu.Unlock()
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. When ctx expires first, remaining jobs are cancelled and Shutdown
// still waits for the workers to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.stop()
		p.log.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		p.stop()
		<-done
		p.log.Warn().Msg("worker pool shutdown deadline hit, jobs cancelled")
		return ctx.Err()
	}
}

type Metrics struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queue_size"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Cancelled int64 `json:"cancelled_before_start"`
}

func (p *Pool) Metrics() Metrics {
	return Metrics{
		Workers:   p.cfg.Workers,
		QueueSize: p.cfg.QueueSize,
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Cancelled: p.cancelled.Load(),
	}
}
