// Package queue holds deferred LinkedIn publish jobs until they are due and
// hands each due job to exactly one worker at a time.
//
// A job moves through waiting -> active -> completed|failed. A waiting job can
// be cancelled (removed). An active job whose worker stops renewing its lock is
// considered stalled and goes back to waiting, at most maxStalled times.
//
// Among due jobs dispatch order is by scheduled time, then enqueue order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ifuryst/linkpost/internal/models"
	"github.com/ifuryst/linkpost/internal/storage"
)

var (
	// ErrInvalidSchedule is returned when a job is enqueued for a time in the past.
	ErrInvalidSchedule = errors.New("queue: invalid schedule")

	// ErrInvalidPayload is returned when required payload fields are missing.
	ErrInvalidPayload = errors.New("queue: invalid payload")

	// ErrNotFound is returned when the job does not exist or can no longer be cancelled.
	ErrNotFound = errors.New("queue: job not found")

	// ErrAlreadyActive is returned when cancelling a job a worker already holds.
	ErrAlreadyActive = errors.New("queue: job already active")

	// ErrLockLost is returned when a worker reports on a job it no longer holds,
	// typically because the job was recovered as stalled.
	ErrLockLost = errors.New("queue: job lock lost")

	// ErrStorageUnavailable is returned when the backing store cannot be reached.
	ErrStorageUnavailable = fmt.Errorf("queue: %w", storage.ErrUnavailable)
)

// StalledReason is recorded on jobs failed by stall recovery.
const StalledReason = "job stalled more than allowable limit"

// Producer is the caller-facing side of the queue.
type Producer interface {
	// Enqueue stores a job that becomes due at delayUntil and returns its id.
	Enqueue(ctx context.Context, payload models.PublishPayload, delayUntil time.Time, opts ...EnqueueOption) (string, error)

	// Cancel removes a waiting job.
	Cancel(ctx context.Context, jobID string) error

	// Get returns a job in any state.
	Get(ctx context.Context, jobID string) (*models.Job, error)
}

// Admin is the operational side of the queue.
type Admin interface {
	// Counts returns an approximate snapshot of jobs per state.
	Counts(ctx context.Context) (models.JobCounts, error)

	// Purge removes every job in every state. Purging an empty queue succeeds.
	Purge(ctx context.Context) error

	// Clean removes terminal jobs in state that finished more than olderThan ago.
	// limit <= 0 removes all of them.
	Clean(ctx context.Context, state models.JobState, olderThan time.Duration, limit int) (int, error)
}

// Consumer is the worker side of the queue.
type Consumer interface {
	// Claim atomically moves the next due job to active and locks it for
	// lockDuration. It returns nil, nil when nothing is due.
	Claim(ctx context.Context, lockDuration time.Duration) (*Claim, error)

	// ExtendLock pushes the lock deadline of a claimed job.
	ExtendLock(ctx context.Context, claim *Claim, lockDuration time.Duration) error

	// Complete marks a claimed job completed.
	Complete(ctx context.Context, claim *Claim, result string) error

	// Fail marks a claimed job failed. A non-zero retryAt puts it back to
	// waiting, due at retryAt, instead.
	Fail(ctx context.Context, claim *Claim, reason string, retryAt time.Time) error

	// RecoverStalled returns jobs whose lock expired to waiting, failing the
	// ones stalled more than maxStalled times.
	RecoverStalled(ctx context.Context, maxStalled int) (StallReport, error)
}

// Queue is the full job queue.
type Queue interface {
	Producer
	Admin
	Consumer
}

// Claim is a job held by one worker. Token identifies the holder; reports
// carrying a stale token are rejected with ErrLockLost.
type Claim struct {
	Job   *models.Job
	Token string
}

// StallReport lists the job ids touched by one stall recovery pass.
type StallReport struct {
	Recovered []string
	Failed    []string
}

func validateEnqueue(payload models.PublishPayload, delayUntil, now time.Time) error {
	if err := payload.Validate(); err != nil {
		return errors.Join(ErrInvalidPayload, err)
	}
	if delayUntil.IsZero() || delayUntil.Before(now) {
		return ErrInvalidSchedule
	}
	return nil
}

func cleanable(state models.JobState) bool {
	return state.IsTerminal()
}
