package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ifuryst/linkpost/internal/models"
)

// Redis is a Queue shared by every process pointing at the same Redis and prefix.
//
// Every key sits under "{prefix}", so the whole queue hashes to one Redis
// Cluster slot and the scripts may touch job hashes they build from the
// prefix. Key layout:
//
//	seq        INCR counter giving enqueue order
//	waiting    ZSET due time (ms) -> "<seq>:<id>"
//	active     ZSET lock deadline (ms) -> id
//	completed  ZSET finish time (ms) -> id
//	failed     ZSET finish time (ms) -> id
//	removed    ZSET cancel time (ms) -> id
//	job:<id>   HASH job fields
type Redis struct {
	client redis.UniversalClient
	opts   *options
	prefix string
}

func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Redis{client: client, opts: o, prefix: "{" + o.keyPrefix + "}"}
}

func (r *Redis) Enqueue(ctx context.Context, payload models.PublishPayload, delayUntil time.Time, opts ...EnqueueOption) (string, error) {
	now := r.opts.now()
	if err := validateEnqueue(payload, delayUntil, now); err != nil {
		return "", err
	}
	eo := newEnqueueOptions(opts)

	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Join(ErrInvalidPayload, err)
	}

	id := uuid.NewString()
	err = enqueueScript.Run(ctx, r.client,
		[]string{r.key("seq"), r.key("waiting")},
		r.prefix, id, data, delayUntil.UnixMilli(), now.UnixMilli(), eo.maxAttempts,
	).Err()
	if err != nil {
		return "", unavailable(err)
	}
	return id, nil
}

func (r *Redis) Cancel(ctx context.Context, jobID string) error {
	res, err := cancelScript.Run(ctx, r.client,
		[]string{r.key("waiting"), r.key("removed")},
		r.prefix, jobID, r.opts.now().UnixMilli(),
	).Int()
	if err != nil {
		return unavailable(err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return ErrAlreadyActive
	default:
		return ErrNotFound
	}
}

func (r *Redis) Get(ctx context.Context, jobID string) (*models.Job, error) {
	fields, err := r.client.HGetAll(ctx, r.key("job:"+jobID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeJob(fields)
}

func (r *Redis) Counts(ctx context.Context) (models.JobCounts, error) {
	pipe := r.client.Pipeline()
	waiting := pipe.ZCard(ctx, r.key("waiting"))
	active := pipe.ZCard(ctx, r.key("active"))
	completed := pipe.ZCard(ctx, r.key("completed"))
	failed := pipe.ZCard(ctx, r.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.JobCounts{}, unavailable(err)
	}
	return models.JobCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Purge deletes every key under the prefix except the sequence counter, so
// enqueue order stays monotonic across purges. On a cluster every master is
// scanned.
func (r *Redis) Purge(ctx context.Context) error {
	if cluster, ok := r.client.(*redis.ClusterClient); ok {
		return cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return r.purge(ctx, node)
		})
	}
	return r.purge(ctx, r.client)
}

func (r *Redis) purge(ctx context.Context, client redis.Cmdable) error {
	pattern := r.prefix + ":*"
	seqKey := r.key("seq")
	var cursor uint64

	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return unavailable(err)
		}

		doomed := keys[:0]
		for _, k := range keys {
			if k != seqKey {
				doomed = append(doomed, k)
			}
		}
		if len(doomed) > 0 {
			if err := client.Del(ctx, doomed...).Err(); err != nil {
				return unavailable(err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) Clean(ctx context.Context, state models.JobState, olderThan time.Duration, limit int) (int, error) {
	if !cleanable(state) {
		return 0, fmt.Errorf("queue: cannot clean %s jobs", state)
	}
	if limit <= 0 {
		limit = -1
	}
	cutoff := r.opts.now().Add(-olderThan).UnixMilli()
	n, err := cleanScript.Run(ctx, r.client,
		[]string{r.key(string(state))},
		r.prefix, cutoff, limit,
	).Int()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (r *Redis) Claim(ctx context.Context, lockDuration time.Duration) (*Claim, error) {
	now := r.opts.now()
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.key("waiting"), r.key("active")},
		r.prefix, now.UnixMilli(), now.Add(lockDuration).UnixMilli(), token,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable(err)
	}

	job, err := decodeJob(pairs(res))
	if err != nil {
		return nil, err
	}
	return &Claim{Job: job, Token: token}, nil
}

func (r *Redis) ExtendLock(ctx context.Context, claim *Claim, lockDuration time.Duration) error {
	if claim == nil || claim.Job == nil {
		return ErrLockLost
	}
	return r.held(extendLockScript.Run(ctx, r.client,
		[]string{r.key("active")},
		r.prefix, claim.Job.ID, claim.Token, r.opts.now().Add(lockDuration).UnixMilli(),
	))
}

func (r *Redis) Complete(ctx context.Context, claim *Claim, result string) error {
	if claim == nil || claim.Job == nil {
		return ErrLockLost
	}
	return r.held(completeScript.Run(ctx, r.client,
		[]string{r.key("active"), r.key("completed")},
		r.prefix, claim.Job.ID, claim.Token, r.opts.now().UnixMilli(), result,
	))
}

func (r *Redis) Fail(ctx context.Context, claim *Claim, reason string, retryAt time.Time) error {
	if claim == nil || claim.Job == nil {
		return ErrLockLost
	}
	var retryAtMs int64
	if !retryAt.IsZero() {
		retryAtMs = retryAt.UnixMilli()
	}
	return r.held(failScript.Run(ctx, r.client,
		[]string{r.key("active"), r.key("failed"), r.key("waiting")},
		r.prefix, claim.Job.ID, claim.Token, r.opts.now().UnixMilli(), reason, retryAtMs,
	))
}

func (r *Redis) RecoverStalled(ctx context.Context, maxStalled int) (StallReport, error) {
	res, err := recoverStalledScript.Run(ctx, r.client,
		[]string{r.key("active"), r.key("waiting"), r.key("failed")},
		r.prefix, r.opts.now().UnixMilli(), maxStalled, StalledReason,
	).Slice()
	if err != nil {
		return StallReport{}, unavailable(err)
	}

	var report StallReport
	if len(res) == 2 {
		report.Recovered = toStrings(res[0])
		report.Failed = toStrings(res[1])
	}
	return report, nil
}

func (r *Redis) held(cmd *redis.Cmd) error {
	ok, err := cmd.Int()
	if err != nil {
		return unavailable(err)
	}
	if ok == 0 {
		return ErrLockLost
	}
	return nil
}

func (r *Redis) key(name string) string {
	return r.prefix + ":" + name
}

func unavailable(err error) error {
	return errors.Join(ErrStorageUnavailable, err)
}

func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeJob(fields map[string]string) (*models.Job, error) {
	job := &models.Job{ID: fields["id"]}

	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("queue: decode payload of job %s: %w", job.ID, err)
	}

	state, err := models.ParseJobState(fields["state"])
	if err != nil {
		return nil, fmt.Errorf("queue: job %s: %w", job.ID, err)
	}
	job.State = state

	job.DelayUntil = millis(fields["delay_until"])
	job.EnqueuedAt = millis(fields["enqueued_at"])
	job.Seq, _ = strconv.ParseInt(fields["seq"], 10, 64)
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.StalledCount, _ = strconv.Atoi(fields["stalled_count"])
	job.FailedReason = fields["failed_reason"]
	job.Result = fields["result"]

	if v, ok := fields["processed_at"]; ok {
		t := millis(v)
		job.ProcessedAt = &t
	}
	if v, ok := fields["finished_at"]; ok {
		t := millis(v)
		job.FinishedAt = &t
	}
	return job, nil
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ Queue = (*Redis)(nil)
