package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/ifuryst/linkpost/internal/config"
	"github.com/ifuryst/linkpost/internal/models"
	"github.com/ifuryst/linkpost/internal/queue"
	"github.com/ifuryst/linkpost/internal/registry"
)

var (
	// ErrAlreadyScheduled is returned under the reject policy when the post
	// already has a waiting job.
	ErrAlreadyScheduled = errors.New("scheduling: post already scheduled")

	// ErrJobPending is returned when acknowledging a job that has not finished.
	ErrJobPending = errors.New("scheduling: job has not finished")
)

// local layouts accepted when the scheduled time carries no offset
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ScheduleRequest is a post to publish at a wall-clock time
type ScheduleRequest struct {
	UserID              string `json:"user_id"`
	PostID              string `json:"post_id"`
	Content             string `json:"content"`
	DocumentReferenceID string `json:"document_reference_id,omitempty"`
	DocumentTitle       string `json:"document_title,omitempty"`
	ScheduledTime       string `json:"scheduled_time"`
	Timezone            string `json:"timezone,omitempty"`
}

func (r ScheduleRequest) Payload() models.PublishPayload {
	return models.PublishPayload{
		UserID:              r.UserID,
		PostID:              r.PostID,
		Content:             r.Content,
		DocumentReferenceID: r.DocumentReferenceID,
		DocumentTitle:       r.DocumentTitle,
	}
}

type ScheduleResult struct {
	JobID        string    `json:"job_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	// ReplacedJobID is the waiting job cancelled in favour of this one
	ReplacedJobID string `json:"replaced_job_id,omitempty"`
}

// ScheduleRecorder is told about jobs created and cancelled by callers.
type ScheduleRecorder interface {
	JobScheduled(ctx context.Context, jobID string, payload models.PublishPayload, at time.Time)
	JobCancelled(ctx context.Context, jobID string)
}

// SchedulingService turns schedule requests into queued jobs and keeps the
// (user, post) -> job registry in step with the queue.
type SchedulingService struct {
	queue       queue.Producer
	registry    registry.Registry
	recorder    ScheduleRecorder
	policy      string
	maxAttempts int
	logger      *zap.Logger
}

func NewSchedulingService(q queue.Producer, reg registry.Registry, cfg config.SchedulingConfig, maxAttempts int, logger *zap.Logger) *SchedulingService {
	policy := cfg.DuplicatePolicy
	if policy == "" {
		policy = config.DuplicateReplace
	}
	return &SchedulingService{
		queue:       q,
		registry:    reg,
		policy:      policy,
		maxAttempts: maxAttempts,
		logger:      logger.With(zap.String("component", "scheduling")),
	}
}

// WithRecorder attaches a history recorder.
func (s *SchedulingService) WithRecorder(r ScheduleRecorder) *SchedulingService {
	s.recorder = r
	return s
}

// Schedule enqueues a post and registers its job. An existing waiting job for
// the same post is replaced only once the new job is stored, so a rejected or
// failed request leaves the previous schedule in place.
func (s *SchedulingService) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	payload := req.Payload()
	if err := payload.Validate(); err != nil {
		return nil, errors.Join(queue.ErrInvalidPayload, err)
	}

	at, err := ParseScheduledTime(req.ScheduledTime, req.Timezone)
	if err != nil {
		return nil, err
	}

	previous, err := s.checkPrevious(ctx, req.UserID, req.PostID)
	if err != nil {
		return nil, err
	}

	var opts []queue.EnqueueOption
	if s.maxAttempts > 1 {
		opts = append(opts, queue.WithMaxAttempts(s.maxAttempts))
	}
	jobID, err := s.queue.Enqueue(ctx, payload, at, opts...)
	if err != nil {
		return nil, err
	}

	if err := s.registry.Set(ctx, req.UserID, req.PostID, jobID); err != nil {
		// an unregistered job could never be cancelled
		s.discard(ctx, jobID)
		return nil, err
	}

	replaced, err := s.replace(ctx, previous)
	if err != nil {
		if restoreErr := s.registry.Set(ctx, req.UserID, req.PostID, previous); restoreErr != nil {
			s.logger.Error("Failed to restore registry entry",
				zap.String("user_id", req.UserID),
				zap.String("post_id", req.PostID),
				zap.String("job_id", previous),
				zap.Error(restoreErr))
		}
		s.discard(ctx, jobID)
		return nil, err
	}

	s.logger.Info("Post scheduled",
		zap.String("user_id", req.UserID),
		zap.String("post_id", req.PostID),
		zap.String("job_id", jobID),
		zap.Time("scheduled_for", at),
		zap.String("replaced_job_id", replaced))

	if s.recorder != nil {
		if replaced != "" {
			s.recorder.JobCancelled(ctx, replaced)
		}
		s.recorder.JobScheduled(ctx, jobID, payload, at)
	}

	return &ScheduleResult{JobID: jobID, ScheduledFor: at, ReplacedJobID: replaced}, nil
}

// checkPrevious returns the job currently registered for the key that a new
// schedule would replace. It fails when the duplicate policy forbids the
// request or the job is already being published; nothing is modified.
func (s *SchedulingService) checkPrevious(ctx context.Context, userID, postID string) (string, error) {
	previous, found, err := s.registry.Get(ctx, userID, postID)
	if err != nil || !found {
		return "", err
	}

	job, err := s.queue.Get(ctx, previous)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		// purged or cleaned up; the registry entry is stale
		return "", nil
	case err != nil:
		return "", err
	case job.State == models.JobStateActive:
		return "", fmt.Errorf("%w: job %s", queue.ErrAlreadyActive, previous)
	case job.State != models.JobStateWaiting:
		return "", nil
	case s.policy == config.DuplicateReject:
		return "", fmt.Errorf("%w: job %s", ErrAlreadyScheduled, previous)
	}
	return previous, nil
}

// replace cancels the previous waiting job and returns its id when it was
// still waiting.
func (s *SchedulingService) replace(ctx context.Context, previous string) (string, error) {
	if previous == "" {
		return "", nil
	}

	err := s.queue.Cancel(ctx, previous)
	switch {
	case err == nil:
		return previous, nil
	case errors.Is(err, queue.ErrNotFound):
		return "", nil
	case errors.Is(err, queue.ErrAlreadyActive):
		// claimed between the check and the cancel
		return "", fmt.Errorf("%w: job %s", queue.ErrAlreadyActive, previous)
	default:
		return "", err
	}
}

func (s *SchedulingService) discard(ctx context.Context, jobID string) {
	if err := s.queue.Cancel(ctx, jobID); err != nil {
		s.logger.Error("Failed to cancel discarded job",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

// Cancel removes the waiting job of a post and forgets its registry entry.
func (s *SchedulingService) Cancel(ctx context.Context, userID, postID string) (string, error) {
	jobID, found, err := s.registry.Get(ctx, userID, postID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", queue.ErrNotFound
	}

	if err := s.queue.Cancel(ctx, jobID); err != nil {
		return "", err
	}
	if err := s.registry.Delete(ctx, userID, postID); err != nil {
		return "", err
	}

	s.logger.Info("Post schedule cancelled",
		zap.String("user_id", userID),
		zap.String("post_id", postID),
		zap.String("job_id", jobID))

	if s.recorder != nil {
		s.recorder.JobCancelled(ctx, jobID)
	}
	return jobID, nil
}

// Status returns the job currently registered for a post.
func (s *SchedulingService) Status(ctx context.Context, userID, postID string) (*models.Job, error) {
	jobID, found, err := s.registry.Get(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, queue.ErrNotFound
	}
	return s.queue.Get(ctx, jobID)
}

// Acknowledge forgets the registry entry of a post whose job has finished.
// Acknowledging an unknown post succeeds.
func (s *SchedulingService) Acknowledge(ctx context.Context, userID, postID string) error {
	jobID, found, err := s.registry.Get(ctx, userID, postID)
	if err != nil || !found {
		return err
	}

	job, err := s.queue.Get(ctx, jobID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
	case err != nil:
		return err
	case !job.State.IsTerminal():
		return fmt.Errorf("%w: job %s is %s", ErrJobPending, jobID, job.State)
	}

	return s.registry.Delete(ctx, userID, postID)
}

// ParseScheduledTime converts an ISO-8601 time to an absolute instant. A
// value with an offset is taken as is; otherwise it is read as wall-clock
// time in timezone (UTC when empty).
func ParseScheduledTime(value, timezone string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: scheduled time is required", queue.ErrInvalidSchedule)
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}

	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: unknown timezone %q", queue.ErrInvalidSchedule, timezone)
		}
		loc = l
	}

	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse scheduled time %q", queue.ErrInvalidSchedule, value)
}
