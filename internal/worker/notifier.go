package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ifuryst/linkpost/internal/models"
	"github.com/ifuryst/linkpost/internal/service/publisher"
)

// Notifier observes job outcomes. Implementations handle their own errors;
// a failing notifier never changes the outcome of a job.
type Notifier interface {
	JobCompleted(ctx context.Context, job *models.Job, result *publisher.PublishResult)
	JobFailed(ctx context.Context, job *models.Job, err error)
	JobRetrying(ctx context.Context, job *models.Job, err error)
}

// Notifiers fans every event out to each notifier in order
type Notifiers []Notifier

func (n Notifiers) JobCompleted(ctx context.Context, job *models.Job, result *publisher.PublishResult) {
	for _, notifier := range n {
		notifier.JobCompleted(ctx, job, result)
	}
}

func (n Notifiers) JobFailed(ctx context.Context, job *models.Job, err error) {
	for _, notifier := range n {
		notifier.JobFailed(ctx, job, err)
	}
}

func (n Notifiers) JobRetrying(ctx context.Context, job *models.Job, err error) {
	for _, notifier := range n {
		notifier.JobRetrying(ctx, job, err)
	}
}

// LogNotifier writes one structured line per outcome
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (n *LogNotifier) JobCompleted(_ context.Context, job *models.Job, result *publisher.PublishResult) {
	fields := jobFields(job)
	if result != nil {
		fields = append(fields, zap.String("post_urn", result.PostURN))
	}
	n.logger.Info("Publish job completed", fields...)
}

func (n *LogNotifier) JobFailed(_ context.Context, job *models.Job, err error) {
	n.logger.Error("Publish job failed", append(jobFields(job), zap.Error(err))...)
}

func (n *LogNotifier) JobRetrying(_ context.Context, job *models.Job, err error) {
	n.logger.Warn("Publish job will be retried",
		append(jobFields(job), zap.Error(err), zap.Time("retry_at", job.DelayUntil))...)
}

func jobFields(job *models.Job) []zap.Field {
	return []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("user_id", job.Payload.UserID),
		zap.String("post_id", job.Payload.PostID),
		zap.Int("attempts", job.AttemptsMade),
	}
}

const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetrying  = "retrying"

	defaultStreamMaxLen = 10000
)

// StreamNotifier appends outcome events to a Redis stream so other services
// (e.g. the web app) can react to published or failed posts.
type StreamNotifier struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *zap.Logger
}

func NewStreamNotifier(client redis.UniversalClient, stream string, maxLen int64, logger *zap.Logger) *StreamNotifier {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &StreamNotifier{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

func (n *StreamNotifier) JobCompleted(ctx context.Context, job *models.Job, result *publisher.PublishResult) {
	values := n.values(EventCompleted, job)
	if result != nil {
		values["post_urn"] = result.PostURN
	}
	n.add(ctx, values)
}

func (n *StreamNotifier) JobFailed(ctx context.Context, job *models.Job, err error) {
	values := n.values(EventFailed, job)
	values["reason"] = err.Error()
	n.add(ctx, values)
}

func (n *StreamNotifier) JobRetrying(ctx context.Context, job *models.Job, err error) {
	values := n.values(EventRetrying, job)
	values["reason"] = err.Error()
	values["retry_at"] = job.DelayUntil.UTC().Format(time.RFC3339)
	n.add(ctx, values)
}

func (n *StreamNotifier) values(event string, job *models.Job) map[string]any {
	return map[string]any{
		"event":    event,
		"job_id":   job.ID,
		"user_id":  job.Payload.UserID,
		"post_id":  job.Payload.PostID,
		"attempts": strconv.Itoa(job.AttemptsMade),
		"at":       time.Now().UTC().Format(time.RFC3339),
	}
}

func (n *StreamNotifier) add(ctx context.Context, values map[string]any) {
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		n.logger.Warn("Failed to append job event",
			zap.String("stream", n.stream),
			zap.Any("job_id", values["job_id"]),
			zap.Error(err))
	}
}

var (
	_ Notifier = Notifiers(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*StreamNotifier)(nil)
)
