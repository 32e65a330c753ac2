package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/linkpost/internal/models"
	"github.com/ifuryst/linkpost/internal/queue"
)

const lock = time.Minute

func payload(postID string) models.PublishPayload {
	return models.PublishPayload{UserID: "u1", PostID: postID, Content: "Hello LinkedIn"}
}

// runQueueSuite checks the behaviour every backend must share.
func runQueueSuite(t *testing.T, newQueue func(t *testing.T) queue.Queue) {
	ctx := context.Background()

	t.Run("enqueue increments waiting", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		before, err := q.Counts(ctx)
		require.NoError(t, err)

		id, err := q.Enqueue(ctx, payload("p1"), time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		after, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.Waiting+1, after.Waiting)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateWaiting, job.State)
		assert.Equal(t, payload("p1"), job.Payload)
		assert.Equal(t, 1, job.MaxAttempts)
	})

	t.Run("rejects past schedule and bad payload", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		_, err := q.Enqueue(ctx, payload("p1"), time.Now().Add(-time.Second))
		require.ErrorIs(t, err, queue.ErrInvalidSchedule)

		_, err = q.Enqueue(ctx, payload("p1"), time.Time{})
		require.ErrorIs(t, err, queue.ErrInvalidSchedule)

		_, err = q.Enqueue(ctx, models.PublishPayload{UserID: "u1"}, time.Now().Add(time.Hour))
		require.ErrorIs(t, err, queue.ErrInvalidPayload)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.JobCounts{}, counts)
	})

	t.Run("future job is never claimed early", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		id, err := q.Enqueue(ctx, payload("p1"), time.Now().Add(time.Hour))
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)

		claim, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		assert.Nil(t, claim)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateWaiting, job.State)
	})

	t.Run("due job is claimed once", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		id, err := q.Enqueue(ctx, payload("p1"), time.Now().Add(20*time.Millisecond))
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)

		claim, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, id, claim.Job.ID)
		assert.Equal(t, models.JobStateActive, claim.Job.State)
		assert.Equal(t, 1, claim.Job.AttemptsMade)
		assert.NotEmpty(t, claim.Token)

		again, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		assert.Nil(t, again)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.JobCounts{Active: 1}, counts)
	})

	t.Run("dispatch order is due time then enqueue order", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		due := time.Now().Add(30 * time.Millisecond)
		late, err := q.Enqueue(ctx, payload("late"), due.Add(10*time.Millisecond))
		require.NoError(t, err)
		first, err := q.Enqueue(ctx, payload("first"), due)
		require.NoError(t, err)
		second, err := q.Enqueue(ctx, payload("second"), due)
		require.NoError(t, err)
		third, err := q.Enqueue(ctx, payload("third"), due)
		require.NoError(t, err)

		time.Sleep(80 * time.Millisecond)

		var order []string
		for {
			claim, err := q.Claim(ctx, lock)
			require.NoError(t, err)
			if claim == nil {
				break
			}
			order = append(order, claim.Job.ID)
		}
		assert.Equal(t, []string{first, second, third, late}, order)
	})

	t.Run("cancel waiting job", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		id, err := q.Enqueue(ctx, payload("p1"), time.Now().Add(20*time.Millisecond))
		require.NoError(t, err)

		require.NoError(t, q.Cancel(ctx, id))
		time.Sleep(40 * time.Millisecond)

		claim, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		assert.Nil(t, claim)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRemoved, job.State)

		require.ErrorIs(t, q.Cancel(ctx, id), queue.ErrNotFound)
		require.ErrorIs(t, q.Cancel(ctx, "missing"), queue.ErrNotFound)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.JobCounts{}, counts)
	})

	t.Run("cancel active job is rejected and job still completes", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		id, err := q.Enqueue(ctx, payload("p1"), time.Now().Add(10*time.Millisecond))
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)

		claim, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		require.NotNil(t, claim)

		require.ErrorIs(t, q.Cancel(ctx, id), queue.ErrAlreadyActive)
		require.NoError(t, q.Complete(ctx, claim, "urn:li:share:1"))

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCompleted, job.State)
		assert.Equal(t, "urn:li:share:1", job.Result)
		require.NotNil(t, job.FinishedAt)
	})

	t.Run("complete and fail", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		_, err := q.Enqueue(ctx, payload("ok"), time.Now().Add(10*time.Millisecond))
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, payload("bad"), time.Now().Add(20*time.Millisecond))
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)

		ok, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		require.NotNil(t, ok)
		require.NoError(t, q.Complete(ctx, ok, ""))

		bad, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		require.NotNil(t, bad)
		require.NoError(t, q.Fail(ctx, bad, "linkedin returned 500", time.Time{}))

		job, err := q.Get(ctx, bad.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateFailed, job.State)
		assert.Equal(t, "linkedin returned 500", job.FailedReason)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.JobCounts{Completed: 1, Failed: 1}, counts)

		t.Run("reports after finishing are rejected", func(t *testing.T) {
			require.ErrorIs(t, q.Complete(ctx, ok, ""), queue.ErrLockLost)
			require.ErrorIs(t, q.Fail(ctx, bad, "again", time.Time{}), queue.ErrLockLost)
			require.ErrorIs(t, q.ExtendLock(ctx, ok, lock), queue.ErrLockLost)
		})
	})

	t.Run("fail with retry puts job back", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		id, err := q.Enqueue(ctx, payload("p1"), time.Now().Add(10*time.Millisecond), queue.WithMaxAttempts(3))
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)

		claim, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, 3, claim.Job.MaxAttempts)

		retryAt := time.Now().Add(30 * time.Millisecond)
		require.NoError(t, q.Fail(ctx, claim, "timeout", retryAt))

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateWaiting, job.State)
		assert.Equal(t, "timeout", job.FailedReason)

		early, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		assert.Nil(t, early)

		time.Sleep(50 * time.Millisecond)
		retried, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		require.NotNil(t, retried)
		assert.Equal(t, id, retried.Job.ID)
		assert.Equal(t, 2, retried.Job.AttemptsMade)
	})

	t.Run("stalled job is recovered then failed", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		id, err := q.Enqueue(ctx, payload("p1"), time.Now().Add(10*time.Millisecond))
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)

		stale, err := q.Claim(ctx, 20*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, stale)

		report, err := q.RecoverStalled(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, report.Recovered, "lock has not expired yet")

		time.Sleep(40 * time.Millisecond)
		report, err = q.RecoverStalled(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, report.Recovered)
		assert.Empty(t, report.Failed)

		require.ErrorIs(t, q.Complete(ctx, stale, ""), queue.ErrLockLost)

		second, err := q.Claim(ctx, 20*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, id, second.Job.ID)
		assert.Equal(t, 1, second.Job.StalledCount)

		time.Sleep(40 * time.Millisecond)
		report, err = q.RecoverStalled(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, report.Recovered)
		assert.Equal(t, []string{id}, report.Failed)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateFailed, job.State)
		assert.Equal(t, queue.StalledReason, job.FailedReason)
	})

	t.Run("extended lock is not stalled", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		_, err := q.Enqueue(ctx, payload("p1"), time.Now().Add(10*time.Millisecond))
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)

		claim, err := q.Claim(ctx, 20*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, claim)

		require.NoError(t, q.ExtendLock(ctx, claim, time.Minute))
		time.Sleep(40 * time.Millisecond)

		report, err := q.RecoverStalled(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, report.Recovered)
		assert.Empty(t, report.Failed)
		require.NoError(t, q.Complete(ctx, claim, ""))
	})

	t.Run("purge empties every state", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		require.NoError(t, q.Purge(ctx), "purging an empty queue succeeds")

		for i := range 3 {
			_, err := q.Enqueue(ctx, payload(fmt.Sprintf("p%d", i)), time.Now().Add(10*time.Millisecond))
			require.NoError(t, err)
		}
		_, err := q.Enqueue(ctx, payload("future"), time.Now().Add(time.Hour))
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)

		done, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, done, ""))
		failed, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, failed, "boom", time.Time{}))
		active, err := q.Claim(ctx, lock)
		require.NoError(t, err)
		require.NotNil(t, active)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.JobCounts{Waiting: 1, Active: 1, Completed: 1, Failed: 1}, counts)

		require.NoError(t, q.Purge(ctx))
		for range 2 {
			counts, err = q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, models.JobCounts{}, counts)
		}

		require.ErrorIs(t, q.Complete(ctx, active, ""), queue.ErrLockLost)

		_, err = q.Enqueue(ctx, payload("after"), time.Now().Add(time.Hour))
		require.NoError(t, err)
		counts, err = q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.JobCounts{Waiting: 1}, counts)
	})

	t.Run("clean drops old terminal jobs", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		for i := range 2 {
			_, err := q.Enqueue(ctx, payload(fmt.Sprintf("p%d", i)), time.Now().Add(10*time.Millisecond))
			require.NoError(t, err)
		}
		time.Sleep(30 * time.Millisecond)
		for range 2 {
			claim, err := q.Claim(ctx, lock)
			require.NoError(t, err)
			require.NoError(t, q.Complete(ctx, claim, ""))
		}

		n, err := q.Clean(ctx, models.JobStateCompleted, time.Hour, 0)
		require.NoError(t, err)
		assert.Zero(t, n)

		time.Sleep(5 * time.Millisecond)
		n, err = q.Clean(ctx, models.JobStateCompleted, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = q.Clean(ctx, models.JobStateCompleted, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = q.Clean(ctx, models.JobStateActive, 0, 0)
		require.Error(t, err)
	})

	t.Run("concurrent claimers never share a job", func(t *testing.T) {
		t.Parallel()
		q := newQueue(t)

		const total = 100
		due := time.Now().Add(20 * time.Millisecond)
		for i := range total {
			_, err := q.Enqueue(ctx, payload(fmt.Sprintf("p%d", i)), due)
			require.NoError(t, err)
		}
		time.Sleep(40 * time.Millisecond)

		var (
			mu      sync.Mutex
			claimed = make(map[string]int)
			wg      sync.WaitGroup
		)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					claim, err := q.Claim(ctx, lock)
					if err != nil || claim == nil {
						return
					}
					mu.Lock()
					claimed[claim.Job.ID]++
					mu.Unlock()
					_ = q.Complete(ctx, claim, "")
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, total)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "job %s claimed more than once", id)
		}

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.JobCounts{Completed: total}, counts)
	})
}
