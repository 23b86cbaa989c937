package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultMaxAttempts   = 5
	defaultRetryBackoff  = 500 * time.Millisecond
	defaultRetryMaxDelay = 30 * time.Second
	defaultLeaseTTL      = 10 * time.Minute
)

// Config controls the worker loop.
type Config struct {
	PollInterval  time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	LeaseTTL      time.Duration
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = c.RetryBackoff
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	return c
}

// Handler runs one job and returns the summary stored on completion.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Worker claims jobs from a Queue and runs them through a Handler.
type Worker struct {
	queue   Queue
	handler Handler
	cfg     Config
	log     zerolog.Logger
	tracer  trace.Tracer
}

type WorkerOption func(*Worker)

func WithLogger(l zerolog.Logger) WorkerOption { return func(w *Worker) { w.log = l } }

func WithTracer(t trace.Tracer) WorkerOption { return func(w *Worker) { w.tracer = t } }

func NewWorker(queue Queue, handler Handler, cfg Config, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:   queue,
		handler: handler,
		cfg:     cfg.normalized(),
		log:     zerolog.Nop(),
		tracer:  otel.Tracer("github.com/ehr/allocstats/internal/platform/jobs"),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run polls until ctx is cancelled. The queue is drained on every tick.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Dur("poll_interval", w.cfg.PollInterval).Int("max_attempts", w.cfg.MaxAttempts).Msg("rollup worker started")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			ran, err := w.RunOnce(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("rollup worker poll failed")
				break
			}
			if !ran {
				break
			}
		}
		select {
		case <-ctx.Done():
			w.log.Info().Msg("rollup worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, nil
	}
	job, err := w.queue.Claim(ctx, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	ctx, span := w.tracer.Start(ctx, "jobs.Process", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.Int64("job.import_id", job.ImportID),
	))
	defer span.End()

	log := w.log.With().Str("job_id", job.ID.String()).Int64("import_id", job.ImportID).Logger()
	log.Info().Int("attempt", job.Attempts).Msg("rollup job claimed")

	maxTries := job.MaxAttempts
	if maxTries <= 0 {
		maxTries = w.cfg.MaxAttempts
	}
	// Attempts already spent by earlier claims count against the budget.
	remaining := maxTries - job.Attempts + 1
	if remaining < 1 {
		remaining = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryBackoff
	b.MaxInterval = w.cfg.RetryMaxDelay

	summary, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		return w.handler(ctx, job)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(remaining)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("rollup job failed, retrying")
		}),
	)
	// A cancelled worker leaves the job running; the lease hands it to the next claim.
	if ctx.Err() != nil {
		log.Warn().Msg("rollup job interrupted")
		span.SetStatus(codes.Error, "interrupted")
		return
	}

	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Msg("rollup job failed")
		if ferr := w.queue.Fail(finishCtx, job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("failed to mark rollup job failed")
		}
		return
	}
	if cerr := w.queue.Complete(finishCtx, job.ID, summary); cerr != nil {
		log.Error().Err(cerr).Msg("failed to mark rollup job done")
		span.SetStatus(codes.Error, fmt.Sprintf("complete: %v", cerr))
		return
	}
	log.Info().Msg("rollup job done")
}
