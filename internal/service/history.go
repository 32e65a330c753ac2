package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/linkpost/internal/models"
	"github.com/ifuryst/linkpost/internal/service/publisher"
)

// HistoryService keeps a durable record per publish job in Postgres. The
// queue forgets finished jobs after the retention window; the history does
// not, until CleanupOldData.
type HistoryService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewHistoryService(db *gorm.DB, logger *zap.Logger) *HistoryService {
	return &HistoryService{
		db:     db,
		logger: logger.With(zap.String("component", "history")),
	}
}

func (h *HistoryService) JobScheduled(ctx context.Context, jobID string, payload models.PublishPayload, at time.Time) {
	h.save(ctx, &models.PublishRecord{
		JobID:        jobID,
		UserID:       payload.UserID,
		PostID:       payload.PostID,
		Status:       models.JobStateWaiting.String(),
		Content:      payload.Content,
		ScheduledFor: at,
	})
}

func (h *HistoryService) JobCancelled(ctx context.Context, jobID string) {
	err := h.db.WithContext(ctx).Model(&models.PublishRecord{}).
		Where("job_id = ?", jobID).
		Update("status", models.JobStateRemoved.String()).Error
	if err != nil {
		h.logger.Error("Failed to record cancellation", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (h *HistoryService) JobCompleted(ctx context.Context, job *models.Job, result *publisher.PublishResult) {
	record := recordFromJob(job)
	record.Status = models.JobStateCompleted.String()
	record.Error = ""
	if result != nil {
		record.PostURN = result.PostURN
		publishedAt := result.PublishedAt
		record.PublishedAt = &publishedAt
	}
	h.save(ctx, record)
}

func (h *HistoryService) JobFailed(ctx context.Context, job *models.Job, err error) {
	record := recordFromJob(job)
	record.Status = models.JobStateFailed.String()
	record.Error = err.Error()
	h.save(ctx, record)
}

func (h *HistoryService) JobRetrying(ctx context.Context, job *models.Job, err error) {
	record := recordFromJob(job)
	record.Status = models.JobStateWaiting.String()
	record.Error = err.Error()
	h.save(ctx, record)
}

func (h *HistoryService) save(ctx context.Context, record *models.PublishRecord) {
	err := h.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "post_urn", "error", "attempts", "published_at", "updated_at",
		}),
	}).Create(record).Error
	if err != nil {
		h.logger.Error("Failed to record publish job",
			zap.String("job_id", record.JobID),
			zap.String("status", record.Status),
			zap.Error(err))
	}
}

// ListRecords returns the most recent records of a user, newest first.
func (h *HistoryService) ListRecords(ctx context.Context, userID string, limit int) ([]models.PublishRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var records []models.PublishRecord
	err := h.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CleanupOldData removes records created more than daysToKeep days ago.
func (h *HistoryService) CleanupOldData(ctx context.Context, daysToKeep int) (int64, error) {
	cutoffDate := time.Now().AddDate(0, 0, -daysToKeep)

	res := h.db.WithContext(ctx).Where("created_at < ?", cutoffDate).Delete(&models.PublishRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cleanup publish records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func recordFromJob(job *models.Job) *models.PublishRecord {
	return &models.PublishRecord{
		JobID:        job.ID,
		UserID:       job.Payload.UserID,
		PostID:       job.Payload.PostID,
		Status:       job.State.String(),
		Content:      job.Payload.Content,
		Error:        job.FailedReason,
		Attempts:     job.AttemptsMade,
		ScheduledFor: job.DelayUntil,
	}
}
