package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/linkpost/internal/config"
	"github.com/ifuryst/linkpost/internal/models"
	"github.com/ifuryst/linkpost/internal/queue"
)

// HistoryCleaner deletes publish records older than a number of days
type HistoryCleaner interface {
	CleanupOldData(ctx context.Context, daysToKeep int) (int64, error)
}

// MaintenanceService runs periodic housekeeping on cron schedules
type MaintenanceService struct {
	cron       *cron.Cron
	queue      queue.Admin
	history    HistoryCleaner
	queueCfg   config.QueueConfig
	historyCfg config.HistoryConfig
	logger     *zap.Logger
}

// NewMaintenanceService registers the cleanup jobs. history may be nil.
func NewMaintenanceService(q queue.Admin, history HistoryCleaner, queueCfg config.QueueConfig, historyCfg config.HistoryConfig, logger *zap.Logger) (*MaintenanceService, error) {
	logger = logger.With(zap.String("component", "maintenance"))
	cl := cronLogger{logger.Sugar()}

	m := &MaintenanceService{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		queue:      q,
		history:    history,
		queueCfg:   queueCfg,
		historyCfg: historyCfg,
		logger:     logger,
	}

	if _, err := m.cron.AddFunc(queueCfg.CleanSchedule, func() {
		if _, err := m.CleanQueue(context.Background()); err != nil {
			m.logger.Error("Queue cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid queue.clean_schedule %q: %w", queueCfg.CleanSchedule, err)
	}

	if history != nil {
		if _, err := m.cron.AddFunc(historyCfg.CleanSchedule, func() {
			if err := m.CleanHistory(context.Background()); err != nil {
				m.logger.Error("History cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid history.clean_schedule %q: %w", historyCfg.CleanSchedule, err)
		}
	}

	return m, nil
}

func (m *MaintenanceService) Start() {
	m.logger.Info("Starting maintenance",
		zap.String("queue_schedule", m.queueCfg.CleanSchedule),
		zap.Duration("queue_retention", m.queueCfg.Retention))
	m.cron.Start()
}

// Stop waits for running jobs or until ctx is done.
func (m *MaintenanceService) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
		m.logger.Info("Maintenance stopped")
	case <-ctx.Done():
		m.logger.Warn("Maintenance stop timed out")
	}
}

// CleanQueue drops terminal jobs that finished before the retention window.
func (m *MaintenanceService) CleanQueue(ctx context.Context) (map[models.JobState]int, error) {
	removed := make(map[models.JobState]int)
	var errs []error

	for _, state := range []models.JobState{models.JobStateCompleted, models.JobStateFailed, models.JobStateRemoved} {
		n, err := m.queue.Clean(ctx, state, m.queueCfg.Retention, m.queueCfg.CleanBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("clean %s jobs: %w", state, err))
			continue
		}
		removed[state] = n
	}

	m.logger.Info("Queue cleanup finished",
		zap.Int("completed", removed[models.JobStateCompleted]),
		zap.Int("failed", removed[models.JobStateFailed]),
		zap.Int("removed", removed[models.JobStateRemoved]))
	return removed, errors.Join(errs...)
}

func (m *MaintenanceService) CleanHistory(ctx context.Context) error {
	if m.history == nil {
		return nil
	}
	n, err := m.history.CleanupOldData(ctx, m.historyCfg.RetentionDays)
	if err != nil {
		return err
	}
	m.logger.Info("History cleanup finished", zap.Int64("deleted", n))
	return nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
