// Package registry maps a (user, post) pair to the id of the publish job
// scheduled for it, so the job can be found again for cancellation or status.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ifuryst/linkpost/internal/storage"
)

var (
	// ErrStorageUnavailable is returned when the backing store cannot be reached.
	ErrStorageUnavailable = fmt.Errorf("registry: %w", storage.ErrUnavailable)

	// ErrInvalidKey is returned when the user or post id is empty.
	ErrInvalidKey = errors.New("registry: user id and post id are required")
)

// Registry stores the job id scheduled for each (user, post) pair.
// Implementations must not cache: every call reflects the shared store.
type Registry interface {
	// Set stores or overwrites the job id for the pair.
	Set(ctx context.Context, userID, postID, jobID string) error

	// Get returns the job id for the pair. found is false when nothing is stored;
	// that is not an error.
	Get(ctx context.Context, userID, postID string) (jobID string, found bool, err error)

	// Delete removes the pair. Deleting a missing pair succeeds.
	Delete(ctx context.Context, userID, postID string) error
}

func validateKey(userID, postID string) error {
	if userID == "" || postID == "" {
		return ErrInvalidKey
	}
	return nil
}
