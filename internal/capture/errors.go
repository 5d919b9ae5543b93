package capture

import (
	"errors"
	"strings"
)

// ErrHaltCapture is the deliberate internal halt signal. The orchestrator
// raises it to stop a capture attempt and release all involved resources; it
// never escapes the orchestrator boundary.
var ErrHaltCapture = errors.New("capture halted")

// ErrJobNotFound is returned by stores when a job id has no matching row.
var ErrJobNotFound = errors.New("job not found")

// ErrSubscriptionNotFound is returned by stores when a subscription id has no
// matching row.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ValidationError describes why a requested URL was rejected. It is terminal:
// jobs failing validation become Invalid and are never retried.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "invalid url: " + strings.Join(e.Messages, "; ")
}

func newValidationError(messages ...string) *ValidationError {
	return &ValidationError{Messages: messages}
}
