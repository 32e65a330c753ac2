package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ifuryst/linkpost/internal/models"
)

// Memory is a process-local Queue with the same semantics as Redis.
// Use it for tests and single-process development.
type Memory struct {
	opts *options

	mu   sync.Mutex
	seq  int64
	jobs map[string]*memoryJob
}

type memoryJob struct {
	job       models.Job
	token     string
	lockUntil time.Time
}

func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Memory{
		opts: o,
		jobs: make(map[string]*memoryJob),
	}
}

func (m *Memory) Enqueue(_ context.Context, payload models.PublishPayload, delayUntil time.Time, opts ...EnqueueOption) (string, error) {
	now := m.opts.now()
	if err := validateEnqueue(payload, delayUntil, now); err != nil {
		return "", err
	}
	eo := newEnqueueOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := uuid.NewString()
	m.jobs[id] = &memoryJob{
		job: models.Job{
			ID:          id,
			Payload:     payload,
			State:       models.JobStateWaiting,
			DelayUntil:  delayUntil,
			EnqueuedAt:  now,
			Seq:         m.seq,
			MaxAttempts: eo.maxAttempts,
		},
	}
	return id, nil
}

func (m *Memory) Cancel(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	switch j.job.State {
	case models.JobStateActive:
		return ErrAlreadyActive
	case models.JobStateWaiting:
		if err := j.moveTo(models.JobStateRemoved); err != nil {
			return err
		}
		now := m.opts.now()
		j.job.FinishedAt = &now
		return nil
	default:
		return ErrNotFound
	}
}

func (m *Memory) Get(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	job := j.job
	return &job, nil
}

func (m *Memory) Counts(_ context.Context) (models.JobCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts models.JobCounts
	for _, j := range m.jobs {
		switch j.job.State {
		case models.JobStateWaiting:
			counts.Waiting++
		case models.JobStateActive:
			counts.Active++
		case models.JobStateCompleted:
			counts.Completed++
		case models.JobStateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (m *Memory) Purge(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs = make(map[string]*memoryJob)
	return nil
}

func (m *Memory) Clean(_ context.Context, state models.JobState, olderThan time.Duration, limit int) (int, error) {
	if !cleanable(state) {
		return 0, fmt.Errorf("queue: cannot clean %s jobs", state)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.opts.now().Add(-olderThan)
	removed := 0
	for id, j := range m.jobs {
		if limit > 0 && removed >= limit {
			break
		}
		if j.job.State != state || j.job.FinishedAt == nil || j.job.FinishedAt.After(cutoff) {
			continue
		}
		delete(m.jobs, id)
		removed++
	}
	return removed, nil
}

func (m *Memory) Claim(_ context.Context, lockDuration time.Duration) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	var next *memoryJob
	for _, j := range m.jobs {
		if j.job.State != models.JobStateWaiting || j.job.DelayUntil.After(now) {
			continue
		}
		if next == nil || before(&j.job, &next.job) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	if err := next.moveTo(models.JobStateActive); err != nil {
		return nil, err
	}
	next.job.ProcessedAt = &now
	next.job.AttemptsMade++
	next.token = uuid.NewString()
	next.lockUntil = now.Add(lockDuration)

	job := next.job
	return &Claim{Job: &job, Token: next.token}, nil
}

func (m *Memory) ExtendLock(_ context.Context, claim *Claim, lockDuration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(claim)
	if err != nil {
		return err
	}
	j.lockUntil = m.opts.now().Add(lockDuration)
	return nil
}

func (m *Memory) Complete(_ context.Context, claim *Claim, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(claim)
	if err != nil {
		return err
	}
	if err := j.moveTo(models.JobStateCompleted); err != nil {
		return err
	}
	now := m.opts.now()
	j.job.FinishedAt = &now
	j.job.Result = result
	j.token = ""
	return nil
}

func (m *Memory) Fail(_ context.Context, claim *Claim, reason string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(claim)
	if err != nil {
		return err
	}
	to := models.JobStateFailed
	if !retryAt.IsZero() {
		to = models.JobStateWaiting
	}
	if err := j.moveTo(to); err != nil {
		return err
	}
	j.job.FailedReason = reason
	j.token = ""
	if !retryAt.IsZero() {
		j.job.DelayUntil = retryAt
		return nil
	}
	now := m.opts.now()
	j.job.FinishedAt = &now
	return nil
}

func (m *Memory) RecoverStalled(_ context.Context, maxStalled int) (StallReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report StallReport
	now := m.opts.now()
	for id, j := range m.jobs {
		if j.job.State != models.JobStateActive || j.lockUntil.After(now) {
			continue
		}
		to := models.JobStateWaiting
		if j.job.StalledCount+1 > maxStalled {
			to = models.JobStateFailed
		}
		if err := j.moveTo(to); err != nil {
			return report, err
		}
		j.job.StalledCount++
		j.token = ""
		if to == models.JobStateFailed {
			j.job.FailedReason = StalledReason
			j.job.FinishedAt = &now
			report.Failed = append(report.Failed, id)
			continue
		}
		report.Recovered = append(report.Recovered, id)
	}
	return report, nil
}

// moveTo changes the job state along an allowed lifecycle edge.
func (j *memoryJob) moveTo(to models.JobState) error {
	if err := models.CheckTransition(j.job.State, to); err != nil {
		return fmt.Errorf("queue: job %s: %w", j.job.ID, err)
	}
	j.job.State = to
	return nil
}

func (m *Memory) held(claim *Claim) (*memoryJob, error) {
	if claim == nil || claim.Job == nil {
		return nil, ErrLockLost
	}
	j, ok := m.jobs[claim.Job.ID]
	if !ok || j.job.State != models.JobStateActive || j.token != claim.Token {
		return nil, ErrLockLost
	}
	return j, nil
}

// before orders due jobs by scheduled time, then enqueue sequence.
func before(a, b *models.Job) bool {
	if !a.DelayUntil.Equal(b.DelayUntil) {
		return a.DelayUntil.Before(b.DelayUntil)
	}
	return a.Seq < b.Seq
}

var _ Queue = (*Memory)(nil)
