package models

import (
	"time"
)

// PublishRecord keeps the outcome of a finished publish job after the queue forgets it
type PublishRecord struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	JobID        string     `gorm:"size:64;not null;uniqueIndex" json:"job_id"`
	UserID       string     `gorm:"size:191;not null;index:idx_publish_records_user_post" json:"user_id"`
	PostID       string     `gorm:"size:191;not null;index:idx_publish_records_user_post" json:"post_id"`
	Status       string     `gorm:"size:50;not null;index" json:"status"`
	Content      string     `gorm:"type:text" json:"content"`
	PostURN      string     `gorm:"size:255" json:"post_urn"`
	Error        string     `gorm:"type:text" json:"error"`
	Attempts     int        `gorm:"default:0" json:"attempts"`
	ScheduledFor time.Time  `gorm:"not null" json:"scheduled_for"`
	PublishedAt  *time.Time `json:"published_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// LinkedInAccount holds the member credentials the worker publishes with
type LinkedInAccount struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      string     `gorm:"size:191;not null;uniqueIndex" json:"user_id"`
	MemberURN   string     `gorm:"size:255;not null" json:"member_urn"`
	AccessToken string     `gorm:"type:text;not null" json:"-"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
