// Package memory provides in-memory store implementations for development and
// testing. The job queue semantics match the Postgres store: round-robin
// across users for human jobs, robots last, atomic reservation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajmather/captureq/internal/capture"
)

// JobStore is an in-memory capture.JobStore.
type JobStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*capture.Job
	seq     map[uuid.UUID]int64
	nextSeq int64
	clock   capture.Clock

	// ReserveDelay, when non-nil, runs between candidate selection and the
	// claim attempt inside ReserveNext. Test seam for exercising reservation
	// races; leave nil in production wiring.
	ReserveDelay func()
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock capture.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[uuid.UUID]*capture.Job),
		seq:   make(map[uuid.UUID]int64),
		clock: clock,
	}
}

// CreateJob inserts a pending job and assigns its fairness order: one past the
// highest order among the user's live human jobs, so each user's submissions
// interleave round-robin with other users'. Robot jobs take a global sequence
// and are only served when no human job is pending.
func (s *JobStore) CreateJob(_ context.Context, job *capture.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	now := s.clock.Now()
	job.Status = capture.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	var maxOrder int64
	for _, other := range s.jobs {
		if other.Status != capture.StatusPending && other.Status != capture.StatusInProgress {
			continue
		}
		if other.Human != job.Human {
			continue
		}
		if job.Human && other.UserID != job.UserID {
			continue
		}
		if other.Order > maxOrder {
			maxOrder = other.Order
		}
	}
	job.Order = maxOrder + 1

	stored := *job
	s.jobs[job.ID] = &stored
	s.nextSeq++
	s.seq[job.ID] = s.nextSeq
	return nil
}

// GetJob fetches a copy of a job by id.
func (s *JobStore) GetJob(_ context.Context, id uuid.UUID) (capture.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return capture.Job{}, capture.ErrJobNotFound
	}
	return *job, nil
}

// ReserveNext claims the next eligible pending job. Selection and claim are
// two phases with a compare-and-swap in between: if another caller claimed the
// candidate first, the loser falls through to the next candidate.
func (s *JobStore) ReserveNext(_ context.Context) (capture.Job, bool, error) {
	for {
		s.mu.Lock()
		candidate := s.firstPendingLocked()
		s.mu.Unlock()
		if candidate == uuid.Nil {
			return capture.Job{}, false, nil
		}

		if s.ReserveDelay != nil {
			s.ReserveDelay()
		}

		s.mu.Lock()
		job := s.jobs[candidate]
		if job != nil && job.Status == capture.StatusPending {
			now := s.clock.Now()
			job.Status = capture.StatusInProgress
			job.CaptureStartTime = &now
			job.UpdatedAt = now
			claimed := *job
			s.mu.Unlock()
			return claimed, true, nil
		}
		// Lost the race; the next iteration picks the next candidate.
		s.mu.Unlock()
	}
}

// FailExpired reaps InProgress jobs older than limit.
func (s *JobStore) FailExpired(_ context.Context, limit time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-limit)
	reaped := 0
	for _, job := range s.jobs {
		if job.Status != capture.StatusInProgress || job.CaptureStartTime == nil {
			continue
		}
		if job.CaptureStartTime.Before(cutoff) {
			s.failLocked(job, "Timed out.", now)
			reaped++
		}
	}
	return reaped, nil
}

// QueuePosition reports the 1-based position a pending job would be served at.
func (s *JobStore) QueuePosition(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return 0, capture.ErrJobNotFound
	}
	if job.Status != capture.StatusPending {
		return 0, fmt.Errorf("job %s is not pending", id)
	}

	position := 1
	for _, other := range s.jobs {
		if other.Status != capture.StatusPending || other.ID == id {
			continue
		}
		if s.queueLessLocked(other, job) {
			position++
		}
	}
	return position, nil
}

// SetValidatedURL records the normalized URL on the job.
func (s *JobStore) SetValidatedURL(_ context.Context, job *capture.Job, validatedURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return capture.ErrJobNotFound
	}
	stored.ValidatedURL = validatedURL
	stored.UpdatedAt = s.clock.Now()
	job.ValidatedURL = validatedURL
	return nil
}

// IncrementStep advances the progress cursor.
func (s *JobStore) IncrementStep(_ context.Context, job *capture.Job, inc int, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return capture.ErrJobNotFound
	}
	stored.StepCount += inc
	stored.StepDescription = description
	stored.UpdatedAt = s.clock.Now()
	job.StepCount = stored.StepCount
	job.StepDescription = description
	return nil
}

// MarkInvalid transitions the job to Invalid with validation detail.
func (s *JobStore) MarkInvalid(_ context.Context, job *capture.Job, msg capture.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return capture.ErrJobNotFound
	}
	now := s.clock.Now()
	stored.Status = capture.StatusInvalid
	stored.Message = msg
	stored.CaptureEndTime = &now
	stored.UpdatedAt = now
	*job = *stored
	return nil
}

// MarkFailed transitions the job to Failed.
func (s *JobStore) MarkFailed(_ context.Context, job *capture.Job, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return capture.ErrJobNotFound
	}
	s.failLocked(stored, reason, s.clock.Now())
	*job = *stored
	return nil
}

// MarkCompleted transitions the job to Completed.
func (s *JobStore) MarkCompleted(_ context.Context, job *capture.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return capture.ErrJobNotFound
	}
	now := s.clock.Now()
	stored.Status = capture.StatusCompleted
	stored.CaptureEndTime = &now
	stored.UpdatedAt = now
	*job = *stored
	return nil
}

func (s *JobStore) failLocked(job *capture.Job, reason string, now time.Time) {
	job.Status = capture.StatusFailed
	job.Message = capture.Message{capture.NonFieldErrorsKey: {reason}}
	job.CaptureEndTime = &now
	job.UpdatedAt = now
}

// firstPendingLocked returns the id of the pending job that sorts first in
// queue order, or uuid.Nil.
func (s *JobStore) firstPendingLocked() uuid.UUID {
	pending := make([]*capture.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Status == capture.StatusPending {
			pending = append(pending, job)
		}
	}
	if len(pending) == 0 {
		return uuid.Nil
	}
	sort.Slice(pending, func(i, j int) bool {
		return s.queueLessLocked(pending[i], pending[j])
	})
	return pending[0].ID
}

// queueLessLocked orders the pending set: human jobs before robots, then by
// fairness order, then by submission order.
func (s *JobStore) queueLessLocked(a, b *capture.Job) bool {
	if a.Human != b.Human {
		return a.Human
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return s.seq[a.ID] < s.seq[b.ID]
}
