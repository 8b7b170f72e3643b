// Package workerpool runs queued jobs across a fixed set of goroutines with
// bounded retries. The alert worker uses it to evaluate movement events off
// the consumer loop.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull means the job was refused because the queue is at capacity.
	// Callers decide whether to block, drop or push back on the producer.
	ErrQueueFull = errors.New("job queue full")
	// ErrStopped means the pool no longer accepts jobs.
	ErrStopped = errors.New("pool stopped")
)

// Job is one unit of work: an identifier for logging plus the raw payload the
// handler knows how to decode.
type Job struct {
	ID      string
	Payload []byte
}

// Handler processes one job. A non-nil error triggers a retry until the
// attempt budget runs out.
type Handler func(ctx context.Context, job Job) error

// Config holds pool tuning.
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay is the base backoff; attempt n waits n times this.
	RetryDelay      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for event evaluation traffic.
func DefaultConfig() Config {
	return Config{
		Workers:         100,
		QueueSize:       10000,
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool fans jobs out to its workers. Jobs on one key may be processed out of
// order relative to each other; handlers must tolerate that.
type Pool struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger

	jobs chan Job
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	depth     atomic.Int64
}

// New creates a pool; Start launches the workers.
func New(cfg Config, handler Handler, logger *zap.Logger) (*Pool, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		jobs:    make(chan Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues a job without blocking.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.ctx.Done():
		return ErrStopped
	default:
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		p.depth.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains the queue and waits for in-flight jobs up to ShutdownTimeout.
func (p *Pool) Stop() {
	p.cancel()
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.depth.Add(-1)
		p.run(id, job)
	}
}

// run executes one job with retries and linear backoff. Cancellation during a
// backoff counts as failure, so shutdown is never delayed by the retry budget.
func (p *Pool) run(workerID int, job Job) {
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retried.Add(1)
			select {
			case <-p.ctx.Done():
				err = p.ctx.Err()
				attempt = p.cfg.MaxRetries + 1
				continue
			case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		if err = p.handler(p.ctx, job); err == nil {
			p.completed.Add(1)
			return
		}
		p.logger.Debug("job attempt failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	p.failed.Add(1)
	p.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.Int("worker_id", workerID),
		zap.Error(fmt.Errorf("after %d retries: %w", p.cfg.MaxRetries, err)))
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Retried    int64
	QueueDepth int64
	Workers    int
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Retried:    p.retried.Load(),
		QueueDepth: p.depth.Load(),
		Workers:    p.cfg.Workers,
	}
}
