package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "linkpost:registry"

// Redis is a Registry backed by plain Redis string keys.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a Redis registry.
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix for registry keys.
// Default: "linkpost:registry"
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Set(ctx context.Context, userID, postID, jobID string) error {
	if err := validateKey(userID, postID); err != nil {
		return err
	}
	// a single SET either lands or does not, there is no partial write
	if err := r.client.Set(ctx, r.key(userID, postID), jobID, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, userID, postID string) (string, bool, error) {
	if err := validateKey(userID, postID); err != nil {
		return "", false, err
	}
	jobID, err := r.client.Get(ctx, r.key(userID, postID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, unavailable(err)
	}
	return jobID, true, nil
}

func (r *Redis) Delete(ctx context.Context, userID, postID string) error {
	if err := validateKey(userID, postID); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.key(userID, postID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// key keeps the pair unambiguous even when ids contain the separator.
func (r *Redis) key(userID, postID string) string {
	return fmt.Sprintf("%s:%d:%s:%s", r.prefix, len(userID), userID, postID)
}

func unavailable(err error) error {
	return errors.Join(ErrStorageUnavailable, err)
}

var _ Registry = (*Redis)(nil)
