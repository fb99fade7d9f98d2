package assessment

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrForwardQueueFull = errors.New("background forward queue is full")
	ErrForwarderClosed  = errors.New("background forwarder is shut down")
)

// BackgroundConfig sizes the worker pool behind SetBackgroundForwarder.
type BackgroundConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds one delivery, retries included.
	Timeout time.Duration
}

func DefaultBackgroundConfig() BackgroundConfig {
	return BackgroundConfig{Workers: 2, QueueSize: 256, Timeout: 30 * time.Second}
}

type backgroundJob struct {
	ctx context.Context
	sub *Submission
}

type backgroundQueue struct {
	next    Forwarder
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan backgroundJob
	wg     sync.WaitGroup
}

func newBackgroundQueue(next Forwarder, cfg BackgroundConfig, failed func(context.Context, *Submission, error)) *backgroundQueue {
	def := DefaultBackgroundConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	q := &backgroundQueue{
		next:    next,
		timeout: cfg.Timeout,
		jobs:    make(chan backgroundJob, cfg.QueueSize),
	}
	for range cfg.Workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				if err := q.deliver(job); err != nil {
					failed(job.ctx, job.sub, err)
				}
			}
		}()
	}
	return q
}

func (q *backgroundQueue) deliver(job backgroundJob) error {
	ctx, cancel := context.WithTimeout(job.ctx, q.timeout)
	defer cancel()
	return q.next.ForwardTriage(ctx, job.sub)
}

// enqueue never blocks. The job keeps the caller's context values but not
// its cancellation, since the request finishes before delivery does.
func (q *backgroundQueue) enqueue(ctx context.Context, sub *Submission) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrForwarderClosed
	}
	cp := *sub
	select {
	case q.jobs <- backgroundJob{ctx: context.WithoutCancel(ctx), sub: &cp}:
		return nil
	default:
		return ErrForwardQueueFull
	}
}

func (q *backgroundQueue) close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
