package queue

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/linkpost/internal/models"
)

func TestDecodeJob(t *testing.T) {
	t.Parallel()

	due := time.UnixMilli(1760518800000)
	fields := map[string]string{
		"id":            "job-1",
		"payload":       `{"user_id":"u1","post_id":"p1","content":"Hello LinkedIn","document_reference_id":"urn:li:document:9","document_title":"Deck"}`,
		"state":         "active",
		"delay_until":   strconv.FormatInt(due.UnixMilli(), 10),
		"enqueued_at":   strconv.FormatInt(due.Add(-time.Hour).UnixMilli(), 10),
		"seq":           "42",
		"attempts_made": "1",
		"max_attempts":  "3",
		"stalled_count": "0",
		"processed_at":  strconv.FormatInt(due.UnixMilli(), 10),
		"token":         "abc",
	}

	job, err := decodeJob(fields)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, models.JobStateActive, job.State)
	assert.Equal(t, "urn:li:document:9", job.Payload.DocumentReferenceID)
	assert.Equal(t, "Deck", job.Payload.DocumentTitle)
	assert.True(t, due.Equal(job.DelayUntil))
	assert.Equal(t, int64(42), job.Seq)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, 3, job.MaxAttempts)
	require.NotNil(t, job.ProcessedAt)
	assert.Nil(t, job.FinishedAt)

	t.Run("bad state", func(t *testing.T) {
		bad := map[string]string{"id": "x", "payload": "{}", "state": "delayed"}
		_, err := decodeJob(bad)
		require.Error(t, err)
	})

	t.Run("bad payload", func(t *testing.T) {
		bad := map[string]string{"id": "x", "payload": "not json", "state": "waiting"}
		_, err := decodeJob(bad)
		require.Error(t, err)
	})
}

func TestPairs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, pairs([]string{"a", "1", "b", "2", "dangling"}))
	assert.Equal(t, []string{"x", "y"}, toStrings([]any{"x", "y"}))
	assert.Nil(t, toStrings("nope"))
}

func TestRedis_StorageUnavailable(t *testing.T) {
	t.Parallel()

	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedis(client, WithKeyPrefix("test"))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.PublishPayload{UserID: "u1", PostID: "p1", Content: "c"}, time.Now().Add(time.Hour))
	require.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = q.Counts(ctx)
	require.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = q.Claim(ctx, time.Minute)
	require.ErrorIs(t, err, ErrStorageUnavailable)

	require.ErrorIs(t, q.Cancel(ctx, "job"), ErrStorageUnavailable)
	require.ErrorIs(t, q.Purge(ctx), ErrStorageUnavailable)

	t.Run("validation happens before storage", func(t *testing.T) {
		_, err := q.Enqueue(ctx, models.PublishPayload{UserID: "u1", PostID: "p1", Content: "c"}, time.Now().Add(-time.Hour))
		require.ErrorIs(t, err, ErrInvalidSchedule)
	})
}

func TestRedis_Key(t *testing.T) {
	t.Parallel()

	q := NewRedis(nil, WithKeyPrefix("app:q"))
	assert.Equal(t, "{app:q}:waiting", q.key("waiting"))
	assert.Equal(t, "{linkpost:queue}:job:1", NewRedis(nil).key("job:1"))
}

func TestRedis_KeysShareHashTag(t *testing.T) {
	t.Parallel()

	q := NewRedis(nil, WithKeyPrefix("app:q"))
	for _, name := range []string{"seq", "waiting", "active", "completed", "failed", "removed", "job:42"} {
		key := q.key(name)
		open, closing := strings.Index(key, "{"), strings.Index(key, "}")
		require.True(t, open == 0 && closing > open, key)
		assert.Equal(t, "app:q", key[open+1:closing], "%s must hash on the queue prefix only", key)
	}
}
