package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/garmaxai/backend/internal/logging"
)

// PoolConfig controls the concurrency characteristics of the worker pool.
type PoolConfig struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	JobTimeout  time.Duration
}

// WorkerPool runs jobs on a fixed set of goroutines fed by a buffered channel.
// Jobs may be enqueued before Start; they wait in the buffer.
type WorkerPool struct {
	cfg    PoolConfig
	logger *slog.Logger

	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWorkerPool constructs an idle pool.
func NewWorkerPool(cfg PoolConfig, logger *slog.Logger) *WorkerPool {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Subsequent calls are ignored.
func (p *WorkerPool) Start(handler Handler) {
	p.startOnce.Do(func() {
		p.wg.Add(p.cfg.Workers)
		for i := 0; i < p.cfg.Workers; i++ {
			go p.worker(handler)
		}
	})
}

// Enqueue schedules a job, blocking while the buffer is full.
func (p *WorkerPool) Enqueue(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrQueueClosed
	case p.jobs <- job:
		return nil
	}
}

// Shutdown stops accepting jobs and waits for queued work to drain. If ctx
// expires first, running handlers see their context cancelled.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *WorkerPool) worker(handler Handler) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.handle(handler, job)
	}
}

func (p *WorkerPool) handle(handler Handler, job Job) {
	logger := p.logger.With("kind", job.Kind, "sessionId", job.SessionID, "attempt", job.Attempt)
	ctx, cancel := context.WithTimeout(logging.WithLogger(p.ctx, logger), p.cfg.JobTimeout)
	defer cancel()

	err := handler.HandleJob(ctx, job)
	if err == nil {
		return
	}

	next := job
	next.Attempt++
	if next.Attempt >= p.cfg.MaxAttempts {
		logger.Error("stage job exhausted retries", "error", err)
		notifyExhausted(ctx, handler, job, err)
		return
	}

	delay := p.cfg.RetryDelay << job.Attempt
	logger.Warn("stage job failed; retrying", "error", err, "delay", delay)
	time.AfterFunc(delay, func() {
		if err := p.Enqueue(p.ctx, next); err != nil {
			if errors.Is(err, ErrQueueClosed) {
				logger.Warn("stage job retry dropped; pool closed")
				return
			}
			logger.Error("requeue stage job", "error", err)
		}
	})
}
