package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a unit of background work. The context carries the per-job
// deadline.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed set of workers fed by a bounded queue. Submit
// never blocks longer than the handoff timeout, so callers on a request
// path are not held up by a backlog.
type Pool struct {
	jobs    chan Job
	timeout time.Duration
	handoff time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers        int
	QueueSize      int
	JobTimeout     time.Duration
	HandoffTimeout time.Duration
}

// NewPool starts cfg.Workers workers.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	p := &Pool{
		jobs:    make(chan Job, cfg.QueueSize),
		timeout: cfg.JobTimeout,
		handoff: cfg.HandoffTimeout,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	slog.Info("notification pool started",
		"workers", cfg.Workers,
		"queue", cfg.QueueSize,
		"timeout", cfg.JobTimeout,
		"handoff", cfg.HandoffTimeout)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification job panicked", "worker", id, "panic", r)
		}
	}()
	job(ctx)
}

// Submit queues job. It returns false when the pool is closed or the queue
// stayed full for the whole handoff timeout.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
	}

	if p.handoff <= 0 {
		return false
	}

	timer := time.NewTimer(p.handoff)
	defer timer.Stop()

	select {
	case p.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish or for
// ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
