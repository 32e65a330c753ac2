// Package storage opens the shared stores (Redis for the queue and registry,
// Postgres for publish history and accounts) and defines the error every
// store-backed component wraps when its backend cannot be reached.
package storage

import "errors"

var (
	// ErrUnavailable is wrapped by every component error caused by an
	// unreachable store.
	ErrUnavailable = errors.New("storage unavailable")

	ErrEmptyRedisURL    = errors.New("storage: redis url is empty")
	ErrInvalidRedisURL  = errors.New("storage: invalid redis url")
	ErrConnectionFailed = errors.New("storage: failed to connect")
)
