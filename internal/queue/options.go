package queue

import "time"

const (
	defaultKeyPrefix   = "linkpost:queue"
	defaultMaxAttempts = 1
)

// Option configures a queue backend.
type Option func(*options)

type options struct {
	keyPrefix string
	now       func() time.Time
}

func defaultOptions() *options {
	return &options{
		keyPrefix: defaultKeyPrefix,
		now:       time.Now,
	}
}

// WithKeyPrefix sets the prefix for all Redis keys of the queue.
// Default: "linkpost:queue"
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// EnqueueOption configures a single job.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	maxAttempts int
}

func newEnqueueOptions(opts []EnqueueOption) enqueueOptions {
	o := enqueueOptions{maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxAttempts sets how many times the job may be attempted when the
// worker retries transient failures. Default: 1 (no retry).
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}
