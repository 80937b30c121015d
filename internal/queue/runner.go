package queue

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qbilhub/docpipe/internal/resilience"
)

// Runner consumes jobs from a Queue with a pool of workers and routes each
// delivery to the handler registered for its type. Handler dispositions
// drive redelivery: Retry schedules the same job again after the backoff
// policy's delay, Ack and Drop finish the delivery.
type Runner struct {
	queue    Queue
	handlers map[JobType]Handler
	workers  int
	backoff  resilience.BackoffPolicy

	// maxDeliveries bounds automatic redelivery of a single job. Beyond it
	// the job is dropped; the document stays queued and can be retried
	// manually.
	maxDeliveries int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers sets the number of concurrent workers. Default: 4.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithBackoff sets the redelivery backoff policy.
func WithBackoff(p resilience.BackoffPolicy) RunnerOption {
	return func(r *Runner) {
		r.backoff = p
	}
}

// WithMaxDeliveries bounds automatic redeliveries per job. Default: 10.
func WithMaxDeliveries(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxDeliveries = n
		}
	}
}

// NewRunner creates a Runner over the given queue.
func NewRunner(q Queue, opts ...RunnerOption) *Runner {
	r := &Runner{
		queue:         q,
		handlers:      make(map[JobType]Handler),
		workers:       4,
		backoff:       resilience.DefaultBackoffPolicy(),
		maxDeliveries: 10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a handler to a job type. Must be called before Run.
func (r *Runner) Register(jobType JobType, h Handler) {
	r.handlers[jobType] = h
}

// Run blocks consuming jobs until ctx is cancelled or the queue closes.
func (r *Runner) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "queue.runner"))
	log.Info("starting workers", zap.Int("workers", r.workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			return r.consume(ctx, log)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (r *Runner) consume(ctx context.Context, log *zap.Logger) error {
	for {
		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		r.deliver(ctx, job, log)
	}
}

func (r *Runner) deliver(ctx context.Context, job Job, log *zap.Logger) {
	handler, ok := r.handlers[job.Type]
	if !ok {
		log.Error("no handler registered for job type",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
		)
		return
	}

	disposition := handler(ctx, job)

	log.Debug("job delivered",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("deliveries", job.Deliveries+1),
		zap.String("disposition", disposition.String()),
	)

	if disposition != Retry {
		return
	}

	if job.Deliveries+1 >= r.maxDeliveries {
		log.Error("job exceeded redelivery budget, dropping",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
			zap.Int("deliveries", job.Deliveries+1),
		)
		return
	}

	delay := r.backoff.Delay(job.Deliveries)
	if err := r.queue.Requeue(ctx, job, delay); err != nil {
		log.Error("failed to requeue job",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
