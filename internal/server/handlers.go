package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/linkpost/internal/queue"
	"github.com/ifuryst/linkpost/internal/registry"
	"github.com/ifuryst/linkpost/internal/service"
	"github.com/ifuryst/linkpost/internal/storage"
)

// scheduleBody is the request body of a schedule call; user and post come
// from the path.
type scheduleBody struct {
	Content             string `json:"content" binding:"required"`
	DocumentReferenceID string `json:"document_reference_id"`
	DocumentTitle       string `json:"document_title"`
	ScheduledTime       string `json:"scheduled_time" binding:"required"`
	Timezone            string `json:"timezone"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(gin.H, len(s.Checks))
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			s.Logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status": state,
		"time":   time.Now().Unix(),
		"checks": checks,
	})
}

func (s *Server) handleSchedulePost(c *gin.Context) {
	var body scheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	res, err := s.Scheduling.Schedule(c.Request.Context(), service.ScheduleRequest{
		UserID:              c.Param("user_id"),
		PostID:              c.Param("post_id"),
		Content:             body.Content,
		DocumentReferenceID: body.DocumentReferenceID,
		DocumentTitle:       body.DocumentTitle,
		ScheduledTime:       body.ScheduledTime,
		Timezone:            body.Timezone,
	})
	if err != nil {
		s.writeError(c, "Failed to schedule post", err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleGetSchedule(c *gin.Context) {
	job, err := s.Scheduling.Status(c.Request.Context(), c.Param("user_id"), c.Param("post_id"))
	if err != nil {
		s.writeError(c, "Failed to get schedule", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelSchedule(c *gin.Context) {
	jobID, err := s.Scheduling.Cancel(c.Request.Context(), c.Param("user_id"), c.Param("post_id"))
	if err != nil {
		s.writeError(c, "Failed to cancel schedule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule cancelled", "job_id": jobID})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	if err := s.Scheduling.Acknowledge(c.Request.Context(), c.Param("user_id"), c.Param("post_id")); err != nil {
		s.writeError(c, "Failed to acknowledge schedule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Acknowledged"})
}

func (s *Server) handleGetHistory(c *gin.Context) {
	if s.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Publish history is not enabled"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := s.History.ListRecords(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		s.writeError(c, "Failed to get publish history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) handleQueueCounts(c *gin.Context) {
	counts, err := s.Queue.Counts(c.Request.Context())
	if err != nil {
		s.writeError(c, "Failed to get queue counts", err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) handlePurgeQueue(c *gin.Context) {
	if err := s.Queue.Purge(c.Request.Context()); err != nil {
		s.writeError(c, "Failed to purge queue", err)
		return
	}
	s.Logger.Warn("Queue purged", zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"message": "Queue purged"})
}

func (s *Server) handleCleanQueue(c *gin.Context) {
	removed, err := s.Maintenance.CleanQueue(c.Request.Context())
	if err != nil {
		s.writeError(c, "Failed to clean queue", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) writeError(c *gin.Context, msg string, err error) {
	status, public := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error(msg, zap.Error(err), zap.String("path", c.Request.URL.Path))
	}
	c.JSON(status, gin.H{"error": public})
}

// errorStatus maps domain errors to an HTTP status and a client-safe message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, queue.ErrInvalidSchedule),
		errors.Is(err, queue.ErrInvalidPayload),
		errors.Is(err, registry.ErrInvalidKey):
		return http.StatusBadRequest, strings.ReplaceAll(err.Error(), "\n", ": ")
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, "Schedule not found"
	case errors.Is(err, queue.ErrAlreadyActive):
		return http.StatusConflict, "Post is being published and can no longer be changed"
	case errors.Is(err, service.ErrAlreadyScheduled):
		return http.StatusConflict, "Post is already scheduled"
	case errors.Is(err, service.ErrJobPending):
		return http.StatusConflict, "Post has not been published yet"
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable, "Storage unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
