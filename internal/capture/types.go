// Package capture defines the core types and interfaces shared across the
// capture queue, orchestrator, and webhook subsystems.
package capture

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a capture job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusInvalid    Status = "invalid"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInvalid:
		return true
	default:
		return false
	}
}

// NonFieldErrorsKey is the message key used for errors that are not tied to a
// specific input field, such as timeouts and capture failures.
const NonFieldErrorsKey = "non_field_errors"

// Message carries structured error/validation detail on invalid and failed
// jobs, keyed by field name (or NonFieldErrorsKey).
type Message map[string][]string

// Job represents one requested capture attempt.
type Job struct {
	ID               uuid.UUID  `json:"id"`
	UserID           int64      `json:"user_id"`
	RequestedURL     string     `json:"requested_url"`
	ValidatedURL     string     `json:"validated_url,omitempty"`
	Status           Status     `json:"status"`
	Human            bool       `json:"human"`
	Order            int64      `json:"order"`
	StepCount        int        `json:"step_count"`
	StepDescription  string     `json:"step_description,omitempty"`
	Message          Message    `json:"message,omitempty"`
	CaptureStartTime *time.Time `json:"capture_start_time,omitempty"`
	CaptureEndTime   *time.Time `json:"capture_end_time,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Archive holds the stored artifact metadata for a completed job.
type Archive struct {
	JobID                       uuid.UUID  `json:"job_id"`
	Hash                        string     `json:"hash"`
	HashAlgorithm               string     `json:"hash_algorithm"`
	WARCSize                    int64      `json:"warc_size"`
	DownloadURL                 string     `json:"download_url"`
	DownloadExpirationTimestamp *time.Time `json:"download_expiration_timestamp,omitempty"`
	CreatedAt                   time.Time  `json:"created_at"`
}

// EventArchiveCreated is the subscription event type fired when a capture
// completes and its archive record is written.
const EventArchiveCreated = "archive_created"

// WebhookSubscription is a user's registered callback. It is read-only from
// the dispatcher's perspective; the CRUD layer owns mutation.
type WebhookSubscription struct {
	ID                  int64  `json:"id"`
	UserID              int64  `json:"user_id"`
	UserEmail           string `json:"-"`
	EventType           string `json:"event_type"`
	CallbackURL         string `json:"callback_url"`
	SigningKey          string `json:"-"`
	SigningKeyAlgorithm string `json:"signing_key_algorithm"`
}
