// Package tasks is the asynchronous task substrate: typed task messages, a
// queue abstraction, and a runner that enforces time limits and routes
// failures to an observer.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task kinds routed by the runner.
const (
	KindRunNextCapture  = "run_next_capture"
	KindDispatchWebhook = "dispatch_webhook"
)

// Message is one unit of queued work.
type Message struct {
	Kind string `json:"kind"`

	// JobID identifies the capture job for webhook dispatch tasks.
	JobID uuid.UUID `json:"job_id,omitempty"`

	// SubscriptionID identifies the webhook subscription being notified.
	SubscriptionID int64 `json:"subscription_id,omitempty"`

	// Attempt counts prior tries of this task, starting at zero.
	Attempt int `json:"attempt"`
}

// Queue delivers task messages to workers.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error

	// EnqueueAfter delivers the message no sooner than delay from now.
	EnqueueAfter(ctx context.Context, msg Message, delay time.Duration) error
}

// ErrSoftTimeLimit is the cancellation cause installed when a task exceeds
// its soft time limit. Handlers still hold the floor and should clean up.
var ErrSoftTimeLimit = errors.New("soft time limit exceeded")

// RetryError asks the runner to re-enqueue the task after a delay instead of
// treating the error as final.
type RetryError struct {
	After time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.After, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps err so the runner schedules another attempt after delay.
func RetryAfter(delay time.Duration, err error) error {
	return &RetryError{After: delay, Err: err}
}

// Failure describes a task that errored terminally, for operator reporting.
type Failure struct {
	Kind    string
	Message Message
	Err     error
	Stack   string
}

// FailureObserver receives terminal task failures.
type FailureObserver func(ctx context.Context, f Failure)
