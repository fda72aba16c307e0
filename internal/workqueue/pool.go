package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"docstore/internal/storeerr"
)

// Runner executes the work of one category
type Runner interface {
	Run(ctx context.Context, w *Work) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, w *Work) error

func (f RunnerFunc) Run(ctx context.Context, w *Work) error { return f(ctx, w) }

// PoolOptions configures a Pool
type PoolOptions struct {
	Workers      int
	PollInterval time.Duration
	// MaxRetries bounds the retries of a runner or a state transition
	// failing with a retryable error; 3 when zero
	MaxRetries    uint64
	RetryInterval time.Duration
	Logger        *logrus.Entry
	// OnDone is called once a work is recorded completed; w.Error holds
	// the failure of the runner, if any
	OnDone func(queueID string, w *Work)
}

// Pool runs the work of one queue on a fixed number of goroutines
type Pool struct {
	q       *Queuing
	queue   *ScheduledQueue
	opts    PoolOptions
	log     *logrus.Entry
	runners map[string]Runner

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewPool returns a stopped pool for queue
func NewPool(q *Queuing, queue *ScheduledQueue, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = q.log
	}
	return &Pool{
		q:       q,
		queue:   queue,
		opts:    opts,
		log:     opts.Logger.WithField("component", "workqueue").WithField("queue", queue.ID()),
		runners: make(map[string]Runner),
	}
}

// Register sets the runner of a category. Runners are registered before
// Start.
func (p *Pool) Register(category string, r Runner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runners[category] = r
}

// Start launches the workers. Work in progress runs under ctx; polling
// stops at Stop or when ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("%w: pool %s already started", storeerr.ErrOperationNotAllowed, p.queue.ID())
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.group = &errgroup.Group{}
	p.running = true
	for i := 0; i < p.opts.Workers; i++ {
		worker := i
		p.group.Go(func() error {
			p.work(pollCtx, ctx, worker)
			return nil
		})
	}
	p.log.WithField("workers", p.opts.Workers).Info("work pool started")
	return nil
}

// Stop stops polling, waits for the work in progress, then suspends the
// scheduled work of the queue. It returns the number of suspended
// instances.
func (p *Pool) Stop(ctx context.Context) (int, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return 0, nil
	}
	p.running = false
	p.cancel()
	group := p.group
	p.mu.Unlock()

	if err := group.Wait(); err != nil {
		return 0, err
	}
	n, err := p.q.SetSuspending(ctx, p.queue.ID())
	if err != nil {
		return 0, err
	}
	p.log.WithField("suspended", n).Info("work pool stopped")
	return n, nil
}

func (p *Pool) work(pollCtx, runCtx context.Context, worker int) {
	log := p.log.WithField("worker", worker)
	for pollCtx.Err() == nil {
		w, err := p.queue.Poll(pollCtx)
		switch {
		case err != nil && pollCtx.Err() != nil:
			return
		case errors.Is(err, storeerr.ErrConcurrentUpdate):
			// another worker took the head
			continue
		case err != nil:
			log.WithError(err).Error("failed to poll queue")
			p.sleep(pollCtx)
			continue
		case w == nil:
			p.sleep(pollCtx)
			continue
		}
		if !p.process(runCtx, log, w) {
			p.sleep(pollCtx)
		}
	}
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs one work instance and records its completion, failed or
// not. It returns false when the work could not be started and was put
// back at the tail of the queue.
func (p *Pool) process(ctx context.Context, log *logrus.Entry, w *Work) bool {
	log = log.WithFields(logrus.Fields{"work": w.ID, "category": w.Category})
	queueID := p.queue.ID()
	if err := p.retry(ctx, func() error { return p.q.WorkRunning(ctx, queueID, w) }); err != nil {
		log.WithError(err).Error("failed to mark work running")
		p.reschedule(ctx, log, w)
		return false
	}

	if err := p.run(ctx, w); err != nil {
		w.Error = err.Error()
		p.q.metrics.failed(queueID)
		log.WithError(err).Error("work failed")
	} else {
		w.Error = ""
		log.Debug("work done")
	}

	if err := p.retry(ctx, func() error { return p.q.WorkCompleted(ctx, queueID, w) }); err != nil {
		log.WithError(err).Error("failed to mark work completed")
		return true
	}
	if p.opts.OnDone != nil {
		p.opts.OnDone(queueID, w)
	}
	return true
}

// reschedule pushes back a polled work, which is in no list until then
func (p *Pool) reschedule(ctx context.Context, log *logrus.Entry, w *Work) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	w.StartTime = time.Time{}
	if err := p.q.AddScheduledWork(ctx, p.queue.ID(), w); err != nil {
		log.WithError(err).Error("failed to reschedule work")
		return
	}
	log.Warn("work rescheduled")
}

func (p *Pool) run(ctx context.Context, w *Work) error {
	p.mu.Lock()
	r, ok := p.runners[w.Category]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no runner for category %s", storeerr.ErrInvalidArgument, w.Category)
	}

	attempt := 0
	return p.retry(ctx, func() error {
		if attempt > 0 {
			p.q.metrics.retried(p.queue.ID())
		}
		attempt++
		return r.Run(ctx, w)
	})
}

// retry calls fn until it succeeds, fails with an error that is not
// retryable, or MaxRetries retries were made
func (p *Pool) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInterval
	op := func() error {
		err := fn()
		if err != nil && !storeerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.opts.MaxRetries), ctx))
}
