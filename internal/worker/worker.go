// Package worker consumes due publish jobs from the queue and performs the
// external publish for each of them at most once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ifuryst/linkpost/internal/metrics"
	"github.com/ifuryst/linkpost/internal/models"
	"github.com/ifuryst/linkpost/internal/queue"
	"github.com/ifuryst/linkpost/internal/service/publisher"
)

var ErrAlreadyRunning = errors.New("worker: already running")

const reportTimeout = 10 * time.Second

// JobQueue is the part of the queue a worker needs
type JobQueue interface {
	queue.Consumer
	Get(ctx context.Context, jobID string) (*models.Job, error)
}

type Config struct {
	Concurrency    int
	PollInterval   time.Duration
	LockDuration   time.Duration
	StallInterval  time.Duration
	MaxStalled     int
	PublishTimeout time.Duration

	// Delay before re-running a transiently failed job that still has
	// attempts left. Grows exponentially up to BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 30 * time.Second
	}
	if c.StallInterval <= 0 {
		c.StallInterval = 30 * time.Second
	}
	if c.MaxStalled < 0 {
		c.MaxStalled = 0
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

type Worker struct {
	queue     JobQueue
	publisher publisher.Publisher
	notifier  Notifier
	logger    *zap.Logger
	config    Config
	running   atomic.Bool
}

func New(q JobQueue, p publisher.Publisher, cfg Config, logger *zap.Logger, notifiers ...Notifier) *Worker {
	return &Worker{
		queue:     q,
		publisher: p,
		notifier:  Notifiers(notifiers),
		logger:    logger.With(zap.String("component", "worker"), zap.String("platform", p.GetPlatformName())),
		config:    cfg.withDefaults(),
	}
}

// Run blocks until ctx is cancelled. Jobs already being published when ctx
// ends are allowed to finish and report their outcome.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.running.Store(false)

	w.logger.Info("Starting worker",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Duration("lock_duration", w.config.LockDuration),
		zap.Duration("publish_timeout", w.config.PublishTimeout))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.sweepStalled(ctx)
		return nil
	})
	for i := range w.config.Concurrency {
		g.Go(func() error {
			w.consume(ctx, i)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info("Worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, slot int) {
	logger := w.logger.With(zap.Int("slot", slot))
	pause := w.storageBackoff()

	for ctx.Err() == nil {
		claim, err := w.queue.Claim(ctx, w.config.LockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := pause.NextBackOff()
			logger.Error("Failed to claim job, pausing",
				zap.Error(err),
				zap.Duration("retry_in", wait))
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		pause.Reset()

		if claim == nil {
			if !sleep(ctx, w.config.PollInterval) {
				return
			}
			continue
		}

		w.process(ctx, logger, claim)
	}
}

func (w *Worker) process(ctx context.Context, logger *zap.Logger, claim *queue.Claim) {
	job := claim.Job
	logger = logger.With(
		zap.String("job_id", job.ID),
		zap.String("user_id", job.Payload.UserID),
		zap.String("post_id", job.Payload.PostID),
		zap.Int("attempt", job.AttemptsMade))

	metrics.DispatchLag.Observe(time.Since(job.DelayUntil).Seconds())
	logger.Info("Publishing job")

	// shutdown must not abort a publish that is already in flight
	base := context.WithoutCancel(ctx)

	jobCtx, cancel := context.WithTimeout(base, w.config.PublishTimeout)
	stopHeartbeat := w.heartbeat(jobCtx, logger, claim)
	start := time.Now()
	result, err := w.publish(jobCtx, job.Payload)
	duration := time.Since(start)
	stopHeartbeat()
	cancel()

	metrics.PublishDuration.Observe(duration.Seconds())

	if err == nil {
		w.complete(base, logger, claim, result, duration)
		return
	}
	w.fail(base, logger, claim, err, duration)
}

func (w *Worker) complete(ctx context.Context, logger *zap.Logger, claim *queue.Claim, result *publisher.PublishResult, duration time.Duration) {
	var postURN string
	if result != nil {
		postURN = result.PostURN
	}

	err := w.report(ctx, func(ctx context.Context) error {
		return w.queue.Complete(ctx, claim, postURN)
	})
	if err != nil {
		w.reportFailed(logger, err)
		return
	}

	now := time.Now()
	claim.Job.State = models.JobStateCompleted
	claim.Job.Result = postURN
	claim.Job.FinishedAt = &now

	metrics.JobsProcessed.WithLabelValues(metrics.OutcomeCompleted).Inc()
	logger.Info("Job completed",
		zap.String("post_urn", postURN),
		zap.Duration("duration", duration))
	w.notifier.JobCompleted(ctx, claim.Job, result)
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, claim *queue.Claim, cause error, duration time.Duration) {
	retryAt := w.retryAt(claim.Job, cause)
	reason := cause.Error()

	err := w.report(ctx, func(ctx context.Context) error {
		return w.queue.Fail(ctx, claim, reason, retryAt)
	})
	if err != nil {
		w.reportFailed(logger, err)
		return
	}

	claim.Job.FailedReason = reason
	if !retryAt.IsZero() {
		claim.Job.State = models.JobStateWaiting
		claim.Job.DelayUntil = retryAt

		metrics.JobsProcessed.WithLabelValues(metrics.OutcomeRetried).Inc()
		logger.Warn("Job failed, retrying",
			zap.Error(cause),
			zap.Time("retry_at", retryAt),
			zap.Duration("duration", duration))
		w.notifier.JobRetrying(ctx, claim.Job, cause)
		return
	}

	now := time.Now()
	claim.Job.State = models.JobStateFailed
	claim.Job.FinishedAt = &now

	metrics.JobsProcessed.WithLabelValues(metrics.OutcomeFailed).Inc()
	logger.Error("Job failed",
		zap.Error(cause),
		zap.Bool("permanent", publisher.IsPermanent(cause)),
		zap.Duration("duration", duration))
	w.notifier.JobFailed(ctx, claim.Job, cause)
}

// report retries storage errors for a short while. A lost lock is final:
// the job now belongs to stall recovery.
func (w *Worker) report(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.Retry(func() error {
		err := op(ctx)
		if errors.Is(err, queue.ErrLockLost) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx))
}

func (w *Worker) reportFailed(logger *zap.Logger, err error) {
	if errors.Is(err, queue.ErrLockLost) {
		metrics.JobsProcessed.WithLabelValues(metrics.OutcomeLockLost).Inc()
		logger.Warn("Job lock lost, outcome discarded", zap.Error(err))
		return
	}
	logger.Error("Failed to record job outcome", zap.Error(err))
}

func (w *Worker) publish(ctx context.Context, payload models.PublishPayload) (res *publisher.PublishResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = publisher.Permanent(fmt.Errorf("publisher panic: %v", r))
		}
	}()

	res, err = w.publisher.Publish(ctx, payload)
	if err != nil && !errors.Is(err, publisher.ErrPublishPermanent) && !errors.Is(err, publisher.ErrPublishTransient) {
		err = publisher.Transient(err)
	}
	return res, err
}

// retryAt returns when to run job again, or zero when the failure is final.
func (w *Worker) retryAt(job *models.Job, err error) time.Time {
	if publisher.IsPermanent(err) || job.AttemptsMade >= job.MaxAttempts {
		return time.Time{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.BackoffInitial
	b.MaxInterval = w.config.BackoffMax
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < job.AttemptsMade; i++ {
		delay = b.NextBackOff()
	}
	return time.Now().Add(delay)
}

func (w *Worker) heartbeat(ctx context.Context, logger *zap.Logger, claim *queue.Claim) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.config.LockDuration / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.queue.ExtendLock(ctx, claim, w.config.LockDuration)
				switch {
				case err == nil:
				case errors.Is(err, queue.ErrLockLost):
					logger.Warn("Job lock lost while publishing")
					return
				case ctx.Err() == nil:
					logger.Warn("Failed to extend job lock", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) sweepStalled(ctx context.Context) {
	ticker := time.NewTicker(w.config.StallInterval)
	defer ticker.Stop()

	for {
		w.recoverStalled(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) recoverStalled(ctx context.Context) {
	report, err := w.queue.RecoverStalled(ctx, w.config.MaxStalled)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Stall recovery failed", zap.Error(err))
		}
		return
	}

	for _, id := range report.Recovered {
		metrics.JobsStalled.WithLabelValues("recovered").Inc()
		w.logger.Warn("Stalled job returned to waiting", zap.String("job_id", id))
	}
	for _, id := range report.Failed {
		metrics.JobsStalled.WithLabelValues("failed").Inc()
		metrics.JobsProcessed.WithLabelValues(metrics.OutcomeFailed).Inc()
		w.logger.Error("Stalled job failed", zap.String("job_id", id), zap.String("reason", queue.StalledReason))

		job, err := w.queue.Get(ctx, id)
		if err != nil {
			w.logger.Warn("Failed to load stalled job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		w.notifier.JobFailed(ctx, job, errors.New(queue.StalledReason))
	}
}

// storageBackoff paces claim attempts while the queue store is unreachable
func (w *Worker) storageBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.PollInterval
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
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
