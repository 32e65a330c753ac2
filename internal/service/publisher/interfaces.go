package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ifuryst/linkpost/internal/models"
)

var (
	// ErrPublishTransient marks failures worth retrying: network errors,
	// timeouts, rate limiting and 5xx responses.
	ErrPublishTransient = errors.New("publish: transient failure")

	// ErrPublishPermanent marks failures that will not succeed on retry:
	// rejected credentials or content.
	ErrPublishPermanent = errors.New("publish: permanent failure")

	// ErrCredentialsNotFound is returned when the user has no connected account.
	ErrCredentialsNotFound = errors.New("publish: credentials not found")

	// ErrCredentialsExpired is returned when the stored access token has expired.
	ErrCredentialsExpired = errors.New("publish: credentials expired")
)

// PublishResult represents the result of a publish operation
type PublishResult struct {
	PostURN     string    `json:"post_urn"`
	StatusCode  int       `json:"status_code"`
	PublishedAt time.Time `json:"published_at"`
}

// Publisher performs the external publish action for one job
type Publisher interface {
	GetPlatformName() string
	Publish(ctx context.Context, payload models.PublishPayload) (*PublishResult, error)
}

// Credential is what the platform needs to act on behalf of a user
type Credential struct {
	MemberURN   string
	AccessToken string
	ExpiresAt   *time.Time
}

// CredentialStore resolves platform credentials for a user
type CredentialStore interface {
	Credentials(ctx context.Context, userID string) (*Credential, error)
}

// PublishError carries the classification and the platform's own message.
type PublishError struct {
	Permanent  bool
	StatusCode int
	Message    string
	Err        error
}

func (e *PublishError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("publish %s failure: status %d: %s", kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("publish %s failure: status %d", kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("publish %s failure: %v", kind, e.Err)
	default:
		return fmt.Sprintf("publish %s failure: %s", kind, e.Message)
	}
}

func (e *PublishError) Unwrap() []error {
	kind := ErrPublishTransient
	if e.Permanent {
		kind = ErrPublishPermanent
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

func Transient(err error) *PublishError {
	return &PublishError{Err: err}
}

func Permanent(err error) *PublishError {
	return &PublishError{Permanent: true, Err: err}
}

// IsPermanent reports whether err should not be retried. Unclassified errors
// are treated as transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPublishPermanent)
}
