package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/linkpost/internal/config"
	"github.com/ifuryst/linkpost/internal/queue"
	"github.com/ifuryst/linkpost/internal/registry"
	"github.com/ifuryst/linkpost/internal/service"
	"github.com/ifuryst/linkpost/internal/service/publisher"
	"github.com/ifuryst/linkpost/internal/service/publisher/linkedin"
	"github.com/ifuryst/linkpost/internal/storage"
	"github.com/ifuryst/linkpost/internal/worker"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Components is everything the serve and worker commands share
type Components struct {
	Redis redis.UniversalClient
	DB    *gorm.DB

	Queue       queue.Queue
	Registry    registry.Registry
	Publisher   publisher.Publisher
	Scheduling  *service.SchedulingService
	Auth        *service.AuthService
	History     *service.HistoryService
	Maintenance *service.MaintenanceService
	Notifiers   worker.Notifiers
	Checks      map[string]HealthCheck
}

// OpenComponents connects to Redis (and Postgres when enabled) and builds
// the services on top of them.
func OpenComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	client, err := storage.OpenRedis(ctx, cfg.Redis.URL,
		storage.WithPoolSize(cfg.Redis.PoolSize),
		storage.WithConnectTimeout(cfg.Redis.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	var db *gorm.DB
	if cfg.Database.Enabled {
		db, err = storage.OpenDatabase(&cfg.Database)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	q := queue.NewRedis(client, queue.WithKeyPrefix(cfg.Queue.QueuePrefix()))
	reg := registry.NewRedis(client, registry.WithKeyPrefix(cfg.Queue.RegistryPrefix()))

	c, err := NewComponents(cfg, logger, q, reg, db)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	c.Redis = client
	c.Checks["redis"] = func(ctx context.Context) error {
		return storage.RedisHealthcheck(ctx, client)
	}
	c.Notifiers = append(c.Notifiers,
		worker.NewStreamNotifier(client, cfg.Queue.EventStream(), cfg.Worker.EventStreamLen, logger))

	return c, nil
}

// NewComponents builds the services over an existing queue and registry.
// db may be nil, which disables publish history and reads LinkedIn
// credentials from the config instead.
func NewComponents(cfg *config.Config, logger *zap.Logger, q queue.Queue, reg registry.Registry, db *gorm.DB) (*Components, error) {
	c := &Components{
		DB:       db,
		Queue:    q,
		Registry: reg,
		Auth:     service.NewAuthService(logger, cfg.Admin),
		Notifiers: worker.Notifiers{
			worker.NewLogNotifier(logger),
		},
		Checks: make(map[string]HealthCheck),
	}

	var credentials publisher.CredentialStore
	var cleaner service.HistoryCleaner
	if db != nil {
		c.History = service.NewHistoryService(db, logger)
		c.Notifiers = append(c.Notifiers, c.History)
		cleaner = c.History
		credentials = publisher.NewAccountStore(db)
		c.Checks["database"] = func(ctx context.Context) error {
			return storage.DatabaseHealthcheck(ctx, db)
		}
	} else {
		static := make(publisher.StaticCredentials, len(cfg.LinkedIn.Accounts))
		for userID, account := range cfg.LinkedIn.Accounts {
			static[userID] = publisher.Credential{
				MemberURN:   account.MemberURN,
				AccessToken: account.AccessToken,
			}
		}
		credentials = static
	}

	c.Publisher = linkedin.NewLinkedInPublisher(linkedin.Config{
		BaseURL:         cfg.LinkedIn.BaseURL,
		APIVersion:      cfg.LinkedIn.APIVersion,
		Visibility:      cfg.LinkedIn.Visibility,
		Timeout:         cfg.LinkedIn.Timeout,
		BreakerFailures: cfg.LinkedIn.BreakerFailures,
		BreakerCooldown: cfg.LinkedIn.BreakerCooldown,
	}, credentials, logger)

	c.Scheduling = service.NewSchedulingService(q, reg, cfg.Scheduling, cfg.Worker.MaxAttempts, logger)
	if c.History != nil {
		c.Scheduling.WithRecorder(c.History)
	}

	maintenance, err := service.NewMaintenanceService(q, cleaner, cfg.Queue, cfg.History, logger)
	if err != nil {
		return nil, err
	}
	c.Maintenance = maintenance

	return c, nil
}

// NewWorker builds a publish worker over the shared queue and notifiers.
func (c *Components) NewWorker(cfg config.WorkerConfig, logger *zap.Logger) *worker.Worker {
	maxStalled := 1
	if cfg.MaxStalled != nil {
		maxStalled = *cfg.MaxStalled
	}
	return worker.New(c.Queue, c.Publisher, worker.Config{
		Concurrency:    cfg.Concurrency,
		PollInterval:   cfg.PollInterval,
		LockDuration:   cfg.LockDuration,
		StallInterval:  cfg.StallInterval,
		MaxStalled:     maxStalled,
		PublishTimeout: cfg.PublishTimeout,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, logger, c.Notifiers...)
}

func (c *Components) Close() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
