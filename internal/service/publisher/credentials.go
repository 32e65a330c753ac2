package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ifuryst/linkpost/internal/models"
)

// AccountStore reads LinkedIn credentials from the accounts table
type AccountStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db, now: time.Now}
}

func (s *AccountStore) Credentials(ctx context.Context, userID string) (*Credential, error) {
	var account models.LinkedInAccount
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrCredentialsNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load linkedin account: %w", err)
	}

	cred := &Credential{
		MemberURN:   account.MemberURN,
		AccessToken: account.AccessToken,
		ExpiresAt:   account.ExpiresAt,
	}
	if err := checkExpiry(cred, s.now()); err != nil {
		return nil, err
	}
	return cred, nil
}

// SaveAccount upserts the credentials of a user
func (s *AccountStore) SaveAccount(ctx context.Context, account *models.LinkedInAccount) error {
	var existing models.LinkedInAccount
	err := s.db.WithContext(ctx).Where("user_id = ?", account.UserID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.WithContext(ctx).Create(account).Error
	case err != nil:
		return err
	}
	return s.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"member_urn":   account.MemberURN,
		"access_token": account.AccessToken,
		"expires_at":   account.ExpiresAt,
	}).Error
}

// StaticCredentials serves credentials from memory, keyed by user id
type StaticCredentials map[string]Credential

func (s StaticCredentials) Credentials(_ context.Context, userID string) (*Credential, error) {
	cred, ok := s[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrCredentialsNotFound, userID)
	}
	if err := checkExpiry(&cred, time.Now()); err != nil {
		return nil, err
	}
	return &cred, nil
}

func checkExpiry(cred *Credential, now time.Time) error {
	if cred.ExpiresAt != nil && !cred.ExpiresAt.After(now) {
		return ErrCredentialsExpired
	}
	return nil
}
