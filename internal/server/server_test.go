package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/linkpost/internal/config"
	"github.com/ifuryst/linkpost/internal/models"
	"github.com/ifuryst/linkpost/internal/queue"
	"github.com/ifuryst/linkpost/internal/registry"
	"github.com/ifuryst/linkpost/internal/service"
	"github.com/ifuryst/linkpost/internal/service/publisher"
	"github.com/ifuryst/linkpost/internal/storage"
)

const adminToken = "s3cret"

func newTestServer(t *testing.T) (*Server, *queue.Memory) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Mode = "test"
	cfg.Admin.Token = adminToken

	q := queue.NewMemory()
	components, err := NewComponents(cfg, zap.NewNop(), q, registry.NewMemory(), nil)
	require.NoError(t, err)

	return New(cfg, zap.NewNop(), components), q
}

func do(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func admin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + adminToken}
}

func inAnHour() string {
	return time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
}

func TestAdminQueue_RequiresToken(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/api/v1/admin/queue", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodDelete, "/api/v1/admin/queue", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminQueue_CountsAndPurge(t *testing.T) {
	s, q := newTestServer(t)
	ctx := context.Background()

	for _, postID := range []string{"p1", "p2"} {
		_, err := q.Enqueue(ctx, models.PublishPayload{UserID: "u1", PostID: postID, Content: "hi"}, time.Now().Add(time.Hour))
		require.NoError(t, err)
	}

	w := do(s, http.MethodGet, "/api/v1/admin/queue", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	var counts models.JobCounts
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))
	assert.Equal(t, models.JobCounts{Waiting: 2}, counts)

	for range 2 {
		w = do(s, http.MethodDelete, "/api/v1/admin/queue", nil, admin())
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"message":"Queue purged"}`, w.Body.String())
	}

	w = do(s, http.MethodGet, "/api/v1/admin/queue", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"waiting":0,"active":0,"completed":0,"failed":0}`, w.Body.String())
}

func TestAdminQueue_Clean(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/api/v1/admin/queue/clean", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed"`)
}

func TestSchedule_Lifecycle(t *testing.T) {
	s, q := newTestServer(t)
	path := "/api/v1/posts/u1/p1/schedule"

	w := do(s, http.MethodPost, path, jsonBody{"content": "Hello", "scheduled_time": inAnHour()}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res service.ScheduleResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.JobID)

	w = do(s, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, res.JobID, job.ID)
	assert.Equal(t, models.JobStateWaiting, job.State)
	assert.Equal(t, "Hello", job.Payload.Content)

	// unacknowledged while still waiting
	w = do(s, http.MethodPost, path+"/ack", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(s, http.MethodDelete, path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), res.JobID)

	got, err := q.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRemoved, got.State)

	w = do(s, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(s, http.MethodPost, path+"/ack", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSchedule_Rejections(t *testing.T) {
	s, _ := newTestServer(t)
	path := "/api/v1/posts/u1/p1/schedule"

	tests := []struct {
		name string
		body jsonBody
		code int
	}{
		{"missing content", jsonBody{"scheduled_time": inAnHour()}, http.StatusBadRequest},
		{"missing time", jsonBody{"content": "Hello"}, http.StatusBadRequest},
		{"past time", jsonBody{"content": "Hello", "scheduled_time": "2020-01-01T10:00:00Z"}, http.StatusBadRequest},
		{"unparseable time", jsonBody{"content": "Hello", "scheduled_time": "tomorrow"}, http.StatusBadRequest},
		{"unknown timezone", jsonBody{"content": "Hello", "scheduled_time": "2099-01-01 10:00", "timezone": "Mars/Olympus"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, path, tt.body, nil)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestSchedule_CancelUnknown(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodDelete, "/api/v1/posts/u1/nope/schedule", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistory_Disabled(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/api/v1/users/u1/history", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.Checks["redis"] = func(context.Context) error { return storage.ErrUnavailable }
	w = do(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"unavailable"`)
}

func TestMetrics(t *testing.T) {
	s, q := newTestServer(t)

	_, err := q.Enqueue(context.Background(), models.PublishPayload{UserID: "u1", PostID: "p1", Content: "hi"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	w := do(s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `linkpost_queue_jobs{state="waiting"} 1`)
	assert.Contains(t, w.Body.String(), "linkpost_queue_up 1")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{queue.ErrInvalidSchedule, http.StatusBadRequest},
		{errors.Join(queue.ErrInvalidPayload, errors.New("content is required")), http.StatusBadRequest},
		{registry.ErrInvalidKey, http.StatusBadRequest},
		{queue.ErrNotFound, http.StatusNotFound},
		{queue.ErrAlreadyActive, http.StatusConflict},
		{service.ErrAlreadyScheduled, http.StatusConflict},
		{service.ErrJobPending, http.StatusConflict},
		{queue.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{registry.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		code, msg := errorStatus(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.False(t, strings.Contains(msg, "\n"))
	}
}

type countingPublisher struct {
	calls atomic.Int32
}

func (p *countingPublisher) GetPlatformName() string { return "test" }

func (p *countingPublisher) Publish(context.Context, models.PublishPayload) (*publisher.PublishResult, error) {
	p.calls.Add(1)
	return &publisher.PublishResult{PostURN: "urn:li:share:1", StatusCode: http.StatusCreated, PublishedAt: time.Now()}, nil
}

func newEmbeddedServer(t *testing.T) (*Server, *queue.Memory, *countingPublisher) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Mode = "test"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Worker.Embedded = true
	cfg.Worker.PollInterval = 10 * time.Millisecond

	q := queue.NewMemory()
	components, err := NewComponents(cfg, zap.NewNop(), q, registry.NewMemory(), nil)
	require.NoError(t, err)
	pub := &countingPublisher{}
	components.Publisher = pub

	return New(cfg, zap.NewNop(), components), q, pub
}

func TestServer_EmbeddedWorkerLifecycle(t *testing.T) {
	s, q, pub := newEmbeddedServer(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, models.PublishPayload{UserID: "u1", PostID: "p1", Content: "hi"}, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, jobID)
		return err == nil && job.State == models.JobStateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(ctx))
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
	assert.Equal(t, int32(1), pub.calls.Load())
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	s, q, pub := newEmbeddedServer(t)
	ctx := context.Background()

	require.NoError(t, s.Shutdown(ctx))

	_, err := q.Enqueue(ctx, models.PublishPayload{UserID: "u1", PostID: "p1", Content: "hi"}, time.Now().Add(time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start served after Shutdown")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, pub.calls.Load(), "no worker runs once the server is shut down")
}

type jsonBody = map[string]any
