package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a job is moved along an edge the
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid job state transition")

// JobState is the lifecycle state of a scheduled publish job
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateRemoved   JobState = "removed"
)

func (s JobState) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can leave this state
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateRemoved
}

type jobTransition struct {
	From JobState
	To   JobState
}

var validJobTransitions = []jobTransition{
	{From: JobStateWaiting, To: JobStateActive},
	{From: JobStateWaiting, To: JobStateRemoved},
	{From: JobStateActive, To: JobStateCompleted},
	{From: JobStateActive, To: JobStateFailed},
	// stall recovery and retry both put the job back in line
	{From: JobStateActive, To: JobStateWaiting},
}

func IsValidTransition(from, to JobState) bool {
	for _, t := range validJobTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition unless from -> to is allowed.
func CheckTransition(from, to JobState) error {
	if !IsValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func ParseJobState(s string) (JobState, error) {
	switch state := JobState(s); state {
	case JobStateWaiting, JobStateActive, JobStateCompleted, JobStateFailed, JobStateRemoved:
		return state, nil
	default:
		return "", fmt.Errorf("unknown job state %q", s)
	}
}

// PublishPayload is the immutable content of a scheduled LinkedIn post
type PublishPayload struct {
	UserID              string `json:"user_id"`
	PostID              string `json:"post_id"`
	Content             string `json:"content"`
	DocumentReferenceID string `json:"document_reference_id,omitempty"`
	DocumentTitle       string `json:"document_title,omitempty"`
}

func (p PublishPayload) Validate() error {
	switch {
	case p.UserID == "":
		return fmt.Errorf("user_id is required")
	case p.PostID == "":
		return fmt.Errorf("post_id is required")
	case p.Content == "":
		return fmt.Errorf("content is required")
	case p.DocumentTitle != "" && p.DocumentReferenceID == "":
		return fmt.Errorf("document_title requires document_reference_id")
	}
	return nil
}

// HasDocument reports whether the post carries an uploaded document
func (p PublishPayload) HasDocument() bool {
	return p.DocumentReferenceID != ""
}

// Job is one deferred publish action held by the queue
type Job struct {
	ID           string         `json:"id"`
	Payload      PublishPayload `json:"payload"`
	State        JobState       `json:"state"`
	DelayUntil   time.Time      `json:"delay_until"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	Seq          int64          `json:"seq"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	AttemptsMade int            `json:"attempts_made"`
	MaxAttempts  int            `json:"max_attempts"`
	StalledCount int            `json:"stalled_count"`
	FailedReason string         `json:"failed_reason,omitempty"`
	Result       string         `json:"result,omitempty"`
}

// JobCounts is a point-in-time view of the queue, not transactionally consistent
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
