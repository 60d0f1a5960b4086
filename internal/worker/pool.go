package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"healthq/internal/jobs"
	"healthq/internal/metrics"
	"healthq/internal/queue"
)

var ErrHandlerPanic = errors.New("job handler panicked")

// Handler executes one decoded job and reports whether its side effect was
// accepted downstream.
type Handler interface {
	Handle(ctx context.Context, job jobs.Job) (bool, error)
}

type HandlerFunc func(ctx context.Context, job jobs.Job) (bool, error)

func (f HandlerFunc) Handle(ctx context.Context, job jobs.Job) (bool, error) { return f(ctx, job) }

type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) ([]byte, bool, error)
	DeadLetter(ctx context.Context, dl queue.DeadLetter) error
}

// Pool runs a fixed number of identical workers against one queue. Any
// worker may take any message; a popped message is never requeued.
type Pool struct {
	queue       Queue
	handlers    map[jobs.TaskType]Handler
	size        int
	pollTimeout time.Duration
	errBackoff  time.Duration
	jobTimeout  time.Duration
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Pool)

// WithPollTimeout sets how long one dequeue blocks before the worker
// rechecks for shutdown.
func WithPollTimeout(d time.Duration) Option { return func(p *Pool) { p.pollTimeout = d } }

// WithErrorBackoff sets the pause after a failed dequeue.
func WithErrorBackoff(d time.Duration) Option { return func(p *Pool) { p.errBackoff = d } }

func WithJobTimeout(d time.Duration) Option { return func(p *Pool) { p.jobTimeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pool) { p.metrics = m } }

func NewPool(q Queue, handlers map[jobs.TaskType]Handler, size int, opts ...Option) *Pool {
	p := &Pool{
		queue:       q,
		handlers:    handlers,
		size:        size,
		pollTimeout: 5 * time.Second,
		errBackoff:  time.Second,
		jobTimeout:  30 * time.Second,
		log:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.size < 1 {
		p.size = 1
	}
	if p.metrics == nil {
		p.metrics = metrics.NewNop()
	}
	p.log = p.log.With().Str("component", "worker").Logger()
	return p
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned. A worker notices cancellation at its next suspension point.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info().Int("workers", p.size).Dur("poll_timeout", p.pollTimeout).Msg("worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()

	p.log.Info().Msg("worker pool stopped")
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		body, ok, err := p.queue.Dequeue(ctx, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Dur("backoff", p.errBackoff).Msg("dequeue failed")
			if !sleep(ctx, p.errBackoff) {
				return
			}
			continue
		}
		if !ok {
			continue
		}
		p.process(ctx, log, body)
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, body []byte) {
	job, err := jobs.Decode(body)
	if err != nil {
		p.metrics.Malformed.Inc()
		log.Warn().Err(err).Str("body", truncate(body, 512)).Msg("dropping malformed envelope")
		p.deadLetter(ctx, log, "malformed", err, body)
		return
	}

	emailType := "-"
	if e, ok := job.Email(); ok {
		emailType = string(e.EmailType)
		log = log.With().
			Str("email_type", emailType).
			Str("guarantee", string(e.EmailType.Guarantee())).
			Logger()
	}

	h, ok := p.handlers[job.TaskType]
	if !ok {
		err := fmt.Errorf("no handler for task_type %q", job.TaskType)
		log.Error().Err(err).Msg("dropping job")
		p.metrics.Processed.WithLabelValues(emailType, "no_handler").Inc()
		p.deadLetter(ctx, log, "no_handler", err, body)
		return
	}

	start := time.Now()
	delivered, err := p.invoke(ctx, h, job)
	elapsed := time.Since(start)
	p.metrics.JobDuration.WithLabelValues(emailType).Observe(elapsed.Seconds())

	switch {
	case err != nil:
		log.Error().Err(err).Dur("took", elapsed).Msg("job failed")
		p.metrics.Processed.WithLabelValues(emailType, "error").Inc()
		p.deadLetter(ctx, log, "delivery", err, body)
	case !delivered:
		log.Warn().Dur("took", elapsed).Msg("job not delivered")
		p.metrics.Processed.WithLabelValues(emailType, "rejected").Inc()
		p.deadLetter(ctx, log, "rejected", errors.New("provider did not accept message"), body)
	default:
		log.Info().Dur("took", elapsed).Msg("job delivered")
		p.metrics.Processed.WithLabelValues(emailType, "delivered").Inc()
	}
}

func (p *Pool) invoke(ctx context.Context, h Handler, job jobs.Job) (delivered bool, err error) {
	c, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			delivered, err = false, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(c, job)
}

func (p *Pool) deadLetter(ctx context.Context, log zerolog.Logger, reason string, cause error, body []byte) {
	// Record the failure even while shutting down.
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := p.queue.DeadLetter(c, queue.DeadLetter{
		Reason:   reason,
		Error:    cause.Error(),
		Body:     string(body),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("dead letter write failed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
