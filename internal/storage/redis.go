package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// RedisOption configures a Redis connection.
type RedisOption func(*redisOptions)

type redisOptions struct {
	poolSize       int
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	dialTimeout    time.Duration
}

func defaultRedisOptions() *redisOptions {
	return &redisOptions{
		poolSize:       10,
		connectTimeout: 30 * time.Second,
		readTimeout:    3 * time.Second,
		writeTimeout:   3 * time.Second,
		dialTimeout:    5 * time.Second,
	}
}

// WithPoolSize sets the maximum number of connections in the pool.
// Default: 10
func WithPoolSize(n int) RedisOption {
	return func(o *redisOptions) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithConnectTimeout bounds how long OpenRedis keeps retrying the first ping.
// Default: 30 seconds
func WithConnectTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithDialTimeout sets the timeout for establishing new connections.
// Default: 5 seconds
func WithDialTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// OpenRedis connects to the redis:// or rediss:// url, retrying the initial
// ping with exponential backoff until the connect timeout.
func OpenRedis(ctx context.Context, url string, opts ...RedisOption) (redis.UniversalClient, error) {
	if url == "" {
		return nil, ErrEmptyRedisURL
	}
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, ErrInvalidRedisURL
	}

	o := defaultRedisOptions()
	for _, opt := range opts {
		opt(o)
	}

	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrInvalidRedisURL, err)
	}
	redisOpts.PoolSize = o.poolSize
	redisOpts.ReadTimeout = o.readTimeout
	redisOpts.WriteTimeout = o.writeTimeout
	redisOpts.DialTimeout = o.dialTimeout

	client := redis.NewClient(redisOpts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = o.connectTimeout
	b.Reset()

	err = backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(b, ctx))
	if err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnectionFailed, ErrUnavailable, err)
	}
	return client, nil
}

// RedisHealthcheck pings the client.
func RedisHealthcheck(ctx context.Context, client redis.UniversalClient) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}
