package capture

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// JobStore persists capture jobs and implements the fairness queue.
type JobStore interface {
	// CreateJob inserts a new pending job and assigns its fairness order.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob fetches a job by id, or ErrJobNotFound.
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)

	// ReserveNext atomically claims the next eligible pending job, flipping
	// it to InProgress with capture_start_time set. It reports false when no
	// eligible job exists. Concurrent callers never receive the same job.
	ReserveNext(ctx context.Context) (Job, bool, error)

	// FailExpired marks InProgress jobs whose capture_start_time is older
	// than limit as Failed with message "Timed out.", using the store's own
	// clock so the cutoff is consistent across workers. It returns the
	// number of jobs reaped.
	FailExpired(ctx context.Context, limit time.Duration) (int, error)

	// QueuePosition returns the 1-based position the pending job would be
	// served at if the queue drained from its current state, without
	// mutating anything.
	QueuePosition(ctx context.Context, id uuid.UUID) (int, error)

	// SetValidatedURL records the normalized URL after validation.
	SetValidatedURL(ctx context.Context, job *Job, validatedURL string) error

	// IncrementStep advances the job's progress cursor by inc steps and
	// replaces the phase label.
	IncrementStep(ctx context.Context, job *Job, inc int, description string) error

	// MarkInvalid transitions the job to Invalid with validation detail.
	MarkInvalid(ctx context.Context, job *Job, msg Message) error

	// MarkFailed transitions the job to Failed with a human-readable reason.
	MarkFailed(ctx context.Context, job *Job, reason string) error

	// MarkCompleted transitions the job to Completed.
	MarkCompleted(ctx context.Context, job *Job) error
}

// ArchiveStore persists archive records, one per completed job.
type ArchiveStore interface {
	CreateArchive(ctx context.Context, archive *Archive) error
	GetArchiveByJob(ctx context.Context, jobID uuid.UUID) (Archive, bool, error)
}

// SubscriptionStore reads webhook subscriptions. Mutation belongs to the
// excluded CRUD layer.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id int64) (WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, userID int64, eventType string) ([]WebhookSubscription, error)
}

// BlobStore writes archive artifacts to durable storage and hands out
// signed, expiring retrieval URLs.
type BlobStore interface {
	// Save stores the object and returns the name it was stored under.
	Save(ctx context.Context, name string, r io.Reader) (string, error)

	// URL returns a signed retrieval URL with an embedded expiration.
	URL(ctx context.Context, name string) (string, error)
}

// ContainerSpec describes a capture-engine container to create.
type ContainerSpec struct {
	Image      string
	Env        []string
	Binds      []string
	Entrypoint []string
	Cmd        []string
}

// ContainerRuntime drives one container runtime connection. A runtime handle
// and the containers created through it are owned by a single job attempt.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error

	// StopContainer stops the container, waiting at most timeout for it to
	// exit before killing it.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error

	// WaitContainer blocks until the container exits and returns its exit
	// code. Cancellation of ctx unblocks the call with ctx's error.
	WaitContainer(ctx context.Context, id string) (int64, error)

	// StreamLogs returns the container's stdout as a line stream that ends
	// when the container stops producing output.
	StreamLogs(ctx context.Context, id string) (io.ReadCloser, error)

	// ContainerStderr returns everything the container wrote to stderr.
	ContainerStderr(ctx context.Context, id string) (string, error)

	Close() error
}

// RuntimeProvider hands out container runtime connections per job attempt.
type RuntimeProvider interface {
	Acquire(ctx context.Context) (ContainerRuntime, error)
}

// Mailer sends plain-text notification email.
type Mailer interface {
	Send(ctx context.Context, subject, body string, to []string) error
}

// Hasher computes content digests for archive artifacts.
type Hasher interface {
	// HashReader consumes r and returns the hex digest, the algorithm tag,
	// and the number of bytes read.
	HashReader(r io.Reader) (digest string, algorithm string, size int64, err error)
}

// Clock returns the current time; injected for testing. Queue timing that
// must be consistent across workers uses the database clock instead.
type Clock interface {
	Now() time.Time
}
