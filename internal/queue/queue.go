// Package queue runs durable background jobs. Jobs live in the store's
// job_queue table; a pool of workers claims them under short leases, so a
// crashed process loses nothing and another worker picks the job up once the
// lease expires.
package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketvane/internal/logging"
	"marketvane/internal/metrics"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// Handler processes one claimed job. A nil return completes the job; an error
// reschedules it with backoff until its attempts run out.
type Handler func(ctx context.Context, job *types.Job) error

// Options configures a worker pool.
type Options struct {
	QueueName    string
	Workers      int
	PollInterval time.Duration
	LockTimeout  time.Duration
	BaseDelay    time.Duration // first retry delay
	MaxDelay     time.Duration // backoff cap
	Metrics      *metrics.Metrics
}

func (o *Options) fill() {
	if o.QueueName == "" {
		o.QueueName = "pipeline"
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Minute
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 5 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Minute
	}
}

// Pool is a set of workers draining one named queue.
type Pool struct {
	store *store.Store
	opts  Options

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pool; Register handlers before Start.
func New(st *store.Store, opts Options) *Pool {
	opts.fill()
	return &Pool{
		store:    st,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for a job type.
func (p *Pool) Register(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

func (p *Pool) handler(jobType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Enqueue inserts a job on this pool's queue, assigning an id when absent.
func (p *Pool) Enqueue(job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.QueueName == "" {
		job.QueueName = p.opts.QueueName
	}
	return p.store.EnqueueJob(job)
}

// EnqueueAt inserts a job that no worker will claim before the given time.
func (p *Pool) EnqueueAt(job *types.Job, at time.Time) error {
	job.ScheduledFor = at
	return p.Enqueue(job)
}

// Requeue moves a dead-letter job back to pending with a fresh attempt
// budget.
func (p *Pool) Requeue(jobID string) error {
	return p.store.RequeueDeadLetter(jobID)
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}

	for i := 0; i < p.opts.Workers; i++ {
		workerID := fmt.Sprintf("%s:%d:w%d", host, os.Getpid(), i)
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
	logging.Queue("Started %d workers on queue %q (poll=%s, lock=%s)",
		p.opts.Workers, p.opts.QueueName, p.opts.PollInterval, p.opts.LockTimeout)
}

// Stop cancels the workers and waits for in-flight handlers to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logging.Queue("Workers on queue %q stopped", p.opts.QueueName)
}

// Stats exposes the queue's counts and average processing time.
func (p *Pool) Stats() (*store.QueueStats, error) {
	return p.store.GetQueueStats(p.opts.QueueName)
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	p.drain(ctx, workerID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, workerID)
		}
	}
}

// drain claims and processes jobs until the queue is momentarily empty.
func (p *Pool) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		job, err := p.store.ClaimJob(p.opts.QueueName, workerID, p.opts.LockTimeout)
		if err != nil {
			logging.QueueError("%s: claim failed: %v", workerID, err)
			return
		}
		if job == nil {
			return
		}
		p.process(ctx, workerID, job)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job *types.Job) {
	handler, ok := p.handler(job.JobType)
	if !ok {
		// A type nobody handles will never succeed; park it for an operator.
		msg := fmt.Sprintf("no handler registered for job type %q", job.JobType)
		logging.QueueError("%s: job %s: %s", workerID, job.ID, msg)
		if err := p.store.DeadLetterJob(job.ID, msg); err != nil {
			logging.QueueError("%s: failed to dead-letter job %s: %v", workerID, job.ID, err)
		}
		p.count(job.JobType, "dead_letter")
		return
	}

	logging.QueueDebug("%s processing %s job %s (attempt %d/%d)",
		workerID, job.JobType, job.ID, job.Attempts, job.MaxAttempts)

	err := p.invoke(ctx, handler, job)
	if err == nil {
		if cerr := p.store.CompleteJob(job.ID); cerr != nil {
			logging.QueueError("%s: failed to complete job %s: %v", workerID, job.ID, cerr)
		}
		p.count(job.JobType, "completed")
		return
	}
	p.fail(job, err)
}

func (p *Pool) count(jobType, outcome string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.JobsProcessed.WithLabelValues(jobType, outcome).Inc()
	}
}

// invoke runs the handler, converting a panic into a failed attempt instead
// of a dead worker.
func (p *Pool) invoke(ctx context.Context, handler Handler, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (p *Pool) fail(job *types.Job, jobErr error) {
	if job.Attempts >= job.MaxAttempts {
		logging.QueueWarn("Job %s exhausted %d attempts: %v", job.ID, job.Attempts, jobErr)
		if err := p.store.DeadLetterJob(job.ID, jobErr.Error()); err != nil {
			logging.QueueError("Failed to dead-letter job %s: %v", job.ID, err)
		}
		p.count(job.JobType, "dead_letter")
		return
	}

	delay := p.backoff(job.Attempts)
	retryAt := time.Now().UTC().Add(delay)
	logging.Queue("Job %s attempt %d/%d failed, retrying in %s: %v",
		job.ID, job.Attempts, job.MaxAttempts, delay, jobErr)
	if err := p.store.RetryJob(job.ID, jobErr.Error(), retryAt); err != nil {
		logging.QueueError("Failed to reschedule job %s: %v", job.ID, err)
	}
	p.count(job.JobType, "retried")
}

// backoff is base * 2^(attempt-1), capped.
func (p *Pool) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.opts.MaxDelay {
			return p.opts.MaxDelay
		}
	}
	if d > p.opts.MaxDelay {
		return p.opts.MaxDelay
	}
	return d
}
