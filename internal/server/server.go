package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ifuryst/linkpost/internal/config"
	"github.com/ifuryst/linkpost/internal/metrics"
	"github.com/ifuryst/linkpost/internal/worker"
)

const (
	healthTimeout  = 2 * time.Second
	metricsTimeout = 2 * time.Second
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	*Components

	metrics *prometheus.Registry
	worker  *worker.Worker

	// lifecycle guards started/stopped so Start and Shutdown may race
	lifecycle  sync.Mutex
	stopped    bool
	workerCtx  context.Context
	stopWorker context.CancelFunc
	workerDone sync.WaitGroup
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	components, err := OpenComponents(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(cfg, logger, components), nil
}

// New builds the HTTP server over already opened components.
func New(cfg *config.Config, logger *zap.Logger, components *Components) *Server {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	srv := &Server{
		Config:     cfg,
		Router:     gin.New(),
		Logger:     logger.With(zap.String("component", "server")),
		Components: components,
		metrics:    prometheus.NewRegistry(),
	}
	srv.metrics.MustRegister(metrics.NewQueueCollector(components.Queue.Counts, metricsTimeout))

	srv.setupMiddleware()
	srv.setupRoutes()

	srv.Server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv.workerCtx, srv.stopWorker = context.WithCancel(context.Background())
	if cfg.Worker.Embedded {
		srv.worker = components.NewWorker(cfg.Worker, logger)
	}

	return srv
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/health", "/metrics"},
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-OTP")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.handleHealth)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, s.metrics},
		promhttp.HandlerOpts{},
	)))

	// API routes
	api := s.Router.Group("/api/v1")
	{
		posts := api.Group("/posts/:user_id/:post_id/schedule")
		{
			posts.POST("", s.handleSchedulePost)
			posts.GET("", s.handleGetSchedule)
			posts.DELETE("", s.handleCancelSchedule)
			posts.POST("/ack", s.handleAcknowledge)
		}

		api.GET("/users/:user_id/history", s.handleGetHistory)

		admin := api.Group("/admin", s.Auth.AdminMiddleware())
		{
			admin.GET("/queue", s.handleQueueCounts)
			admin.DELETE("/queue", s.handlePurgeQueue)
			admin.POST("/queue/clean", s.handleCleanQueue)
		}
	}
}

// Start runs maintenance, the embedded worker when enabled, and blocks
// serving HTTP. Start after Shutdown returns nil without serving.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	if s.stopped {
		s.lifecycle.Unlock()
		return nil
	}
	s.Maintenance.Start()
	if s.worker != nil {
		stop := context.AfterFunc(ctx, s.stopWorker)
		s.workerDone.Add(1)
		go func() {
			defer s.workerDone.Done()
			defer stop()
			if err := s.worker.Run(s.workerCtx); err != nil {
				s.Logger.Error("Embedded worker stopped", zap.Error(err))
			}
		}()
	}
	s.lifecycle.Unlock()

	s.Logger.Info("Starting HTTP server", zap.String("addr", s.Server.Addr))

	var err error
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		err = s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	} else {
		err = s.Server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, lets in-flight jobs finish and closes
// the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.Config.Server.ShutdownTimeout)
	defer cancel()

	s.lifecycle.Lock()
	s.stopped = true
	s.lifecycle.Unlock()

	var errs []error
	errs = append(errs, s.Server.Shutdown(shutdownCtx))

	s.stopWorker()
	done := make(chan struct{})
	go func() {
		s.workerDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("worker did not stop: %w", shutdownCtx.Err()))
	}

	s.Maintenance.Stop(shutdownCtx)
	errs = append(errs, s.Close())
	return errors.Join(errs...)
}
