// Package worker runs queued dispatch jobs with a fixed retry policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"insightwatch/api/internal/queue"
)

// ErrAttemptTimeout marks an attempt that ran past Policy.Timeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// Handler runs one dispatch request.
type Handler interface {
	Handle(ctx context.Context, req queue.Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req queue.Request) error

func (f HandlerFunc) Handle(ctx context.Context, req queue.Request) error { return f(ctx, req) }

// Queue is the part of queue.RedisQueue the pool drives.
type Queue interface {
	Dequeue(ctx context.Context, lease time.Duration) (*queue.Delivery, error)
	Complete(ctx context.Context, d *queue.Delivery, state queue.State) error
	Retry(ctx context.Context, d *queue.Delivery, delay time.Duration) error
}

// Policy bounds how often and how long a job may run.
type Policy struct {
	MaxAttempts   int
	Backoff       time.Duration
	Timeout       time.Duration
	MaxExceptions int
	LeaseGrace    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		Backoff:       60 * time.Second,
		Timeout:       300 * time.Second,
		MaxExceptions: 3,
		LeaseGrace:    time.Minute,
	}
}

// Lease is how long a dequeued job stays invisible to other workers.
func (p Policy) Lease() time.Duration {
	return p.Timeout + p.LeaseGrace
}

type Pool struct {
	queue       Queue
	handler     Handler
	policy      Policy
	concurrency int
	poll        time.Duration
	log         zerolog.Logger
}

type Options struct {
	Policy      Policy
	Concurrency int
	Poll        time.Duration
	Logger      zerolog.Logger
}

func NewPool(q Queue, h Handler, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultPolicy()
	}
	return &Pool{
		queue:       q,
		handler:     h,
		policy:      opts.Policy,
		concurrency: opts.Concurrency,
		poll:        opts.Poll,
		log:         opts.Logger,
	}
}

// Run polls the queue from Concurrency goroutines until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		slot := i
		g.Go(func() error {
			p.loop(ctx, slot)
			return nil
		})
	}
	p.log.Info().Int("concurrency", p.concurrency).Dur("lease", p.policy.Lease()).Msg("worker pool started")
	err := g.Wait()
	p.log.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Int("slot", slot).Msg("worker iteration failed")
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// ProcessOne leases at most one job, runs it and settles it.
// It reports whether a job was found.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	d, err := p.queue.Dequeue(ctx, p.policy.Lease())
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}

	log := p.jobLogger(d.Job)
	log.Debug().Msg("job started")
	started := time.Now()

	runErr := p.attempt(ctx, d.Job.Request)
	if runErr == nil {
		if err := p.queue.Complete(ctx, d, queue.StateSucceeded); err != nil {
			return true, fmt.Errorf("settle job %s: %w", d.Job.Key, err)
		}
		log.Info().Dur("took", time.Since(started)).Msg("job succeeded")
		return true, nil
	}

	d.Job.LastError = runErr.Error()
	kinds := d.Job.RecordException(errorKind(runErr))

	if d.Job.Attempts >= p.policy.MaxAttempts || kinds >= p.policy.MaxExceptions {
		if err := p.queue.Complete(ctx, d, queue.StateFailedTerminal); err != nil {
			return true, fmt.Errorf("settle job %s: %w", d.Job.Key, err)
		}
		log.Error().Err(runErr).Int("exceptions", kinds).Msg("job failed permanently")
		return true, nil
	}

	if err := p.queue.Retry(ctx, d, p.policy.Backoff); err != nil {
		return true, fmt.Errorf("retry job %s: %w", d.Job.Key, err)
	}
	log.Warn().Err(runErr).Dur("backoff", p.policy.Backoff).Msg("job failed, will retry")
	return true, nil
}

// attempt runs the handler under the per-attempt deadline. A handler that
// ignores its context is abandoned once the deadline passes.
func (p *Pool) attempt(ctx context.Context, req queue.Request) error {
	ctx, cancel := context.WithTimeout(ctx, p.policy.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("panic in job handler")
				done <- fmt.Errorf("%w: %v", errPanic, rec)
			}
		}()
		done <- p.handler.Handle(ctx, req)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrAttemptTimeout, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrAttemptTimeout, p.policy.Timeout)
		}
		return ctx.Err()
	}
}

func (p *Pool) jobLogger(job queue.Job) zerolog.Logger {
	c := p.log.With().
		Str("job_id", job.ID).
		Str("origin_id", job.Request.OriginID).
		Int("attempt", job.Attempts)
	if job.Request.Sentiment != nil {
		c = c.Int("sentiment", *job.Request.Sentiment)
	}
	return c.Logger()
}

var errPanic = errors.New("handler panicked")

// errorKind groups errors for the exception cap. Sentinel errors are grouped
// by message, everything else by the innermost concrete type.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrAttemptTimeout):
		return "timeout"
	case errors.Is(err, errPanic):
		return "panic"
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	kind := fmt.Sprintf("%T", inner)
	if kind == "*errors.errorString" {
		return inner.Error()
	}
	return kind
}
