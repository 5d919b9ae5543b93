package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ajmather/captureq/internal/capture"
)

// JobStore implements capture.JobStore on Postgres.
type JobStore struct {
	db DB
}

const jobColumns = `id, user_id, requested_url, validated_url, status, human, "order",
	step_count, step_description, message, capture_start_time, capture_end_time,
	created_at, updated_at`

// CreateJob inserts a pending job. The fairness order is computed in the same
// statement: one past the highest order among the user's live human jobs, or
// among all live robot jobs for robot submissions.
func (s *JobStore) CreateJob(ctx context.Context, job *capture.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	query := `
		INSERT INTO capture_jobs (id, user_id, requested_url, status, human, "order")
		SELECT $1, $2, $3, 'pending', $4, COALESCE(MAX("order"), 0) + 1
		FROM capture_jobs
		WHERE human = $4
		  AND status IN ('pending', 'in_progress')
		  AND ($4 = false OR user_id = $2)
		RETURNING "order", status, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query, job.ID, job.UserID, job.RequestedURL, job.Human).
		Scan(&job.Order, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (capture.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM capture_jobs WHERE id = $1`
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Job{}, capture.ErrJobNotFound
	}
	if err != nil {
		return capture.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ReserveNext atomically claims the head of the queue. The locking SELECT and
// the status flip run as one statement, so two workers can never claim the
// same row: a contended row is skipped and the caller gets the next candidate.
func (s *JobStore) ReserveNext(ctx context.Context) (capture.Job, bool, error) {
	query := `
		WITH next_job AS (
			SELECT id FROM capture_jobs
			WHERE status = 'pending'
			ORDER BY human DESC, "order" ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE capture_jobs AS j
		SET status = 'in_progress', capture_start_time = now(), updated_at = now()
		FROM next_job
		WHERE j.id = next_job.id
		RETURNING j.id, j.user_id, j.requested_url, j.validated_url, j.status, j.human, j."order",
			j.step_count, j.step_description, j.message, j.capture_start_time, j.capture_end_time,
			j.created_at, j.updated_at
	`
	job, err := scanJob(s.db.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Job{}, false, nil
	}
	if err != nil {
		return capture.Job{}, false, fmt.Errorf("reserve next job: %w", err)
	}
	return job, true, nil
}

// FailExpired reaps InProgress jobs whose capture_start_time is older than
// limit, comparing against the database clock rather than any worker's.
func (s *JobStore) FailExpired(ctx context.Context, limit time.Duration) (int, error) {
	query := `
		UPDATE capture_jobs
		SET status = 'failed',
			message = jsonb_build_object($2::text, jsonb_build_array('Timed out.')),
			capture_end_time = now(),
			updated_at = now()
		WHERE status = 'in_progress'
		  AND capture_start_time < now() - make_interval(secs => $1)
	`
	tag, err := s.db.Exec(ctx, query, limit.Seconds(), capture.NonFieldErrorsKey)
	if err != nil {
		return 0, fmt.Errorf("fail expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// QueuePosition counts the pending jobs that sort ahead of the given one.
func (s *JobStore) QueuePosition(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		SELECT count(c.id) + 1
		FROM (SELECT human, "order", created_at FROM capture_jobs WHERE id = $1 AND status = 'pending') AS me
		LEFT JOIN capture_jobs AS c
		  ON c.status = 'pending'
		 AND c.id <> $1
		 AND (c.human > me.human
		      OR (c.human = me.human AND c."order" < me."order")
		      OR (c.human = me.human AND c."order" = me."order" AND c.created_at < me.created_at))
		GROUP BY me.human
	`
	var position int
	err := s.db.QueryRow(ctx, query, id).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, capture.ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return position, nil
}

// SetValidatedURL records the normalized URL.
func (s *JobStore) SetValidatedURL(ctx context.Context, job *capture.Job, validatedURL string) error {
	query := `UPDATE capture_jobs SET validated_url = $2, updated_at = now() WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, job.ID, validatedURL); err != nil {
		return fmt.Errorf("set validated url: %w", err)
	}
	job.ValidatedURL = validatedURL
	return nil
}

// IncrementStep advances the progress cursor.
func (s *JobStore) IncrementStep(ctx context.Context, job *capture.Job, inc int, description string) error {
	query := `
		UPDATE capture_jobs
		SET step_count = step_count + $2, step_description = $3, updated_at = now()
		WHERE id = $1
		RETURNING step_count
	`
	if err := s.db.QueryRow(ctx, query, job.ID, inc, description).Scan(&job.StepCount); err != nil {
		return fmt.Errorf("increment step: %w", err)
	}
	job.StepDescription = description
	return nil
}

// MarkInvalid transitions the job to Invalid with validation detail.
func (s *JobStore) MarkInvalid(ctx context.Context, job *capture.Job, msg capture.Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	query := `
		UPDATE capture_jobs
		SET status = 'invalid', message = $2, capture_end_time = now(), updated_at = now()
		WHERE id = $1
		RETURNING capture_end_time
	`
	if err := s.db.QueryRow(ctx, query, job.ID, encoded).Scan(&job.CaptureEndTime); err != nil {
		return fmt.Errorf("mark invalid: %w", err)
	}
	job.Status = capture.StatusInvalid
	job.Message = msg
	return nil
}

// MarkFailed transitions the job to Failed.
func (s *JobStore) MarkFailed(ctx context.Context, job *capture.Job, reason string) error {
	query := `
		UPDATE capture_jobs
		SET status = 'failed',
			message = jsonb_build_object($3::text, jsonb_build_array($2::text)),
			capture_end_time = now(),
			updated_at = now()
		WHERE id = $1
		RETURNING capture_end_time
	`
	err := s.db.QueryRow(ctx, query, job.ID, reason, capture.NonFieldErrorsKey).Scan(&job.CaptureEndTime)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	job.Status = capture.StatusFailed
	job.Message = capture.Message{capture.NonFieldErrorsKey: {reason}}
	return nil
}

// MarkCompleted transitions the job to Completed.
func (s *JobStore) MarkCompleted(ctx context.Context, job *capture.Job) error {
	query := `
		UPDATE capture_jobs
		SET status = 'completed', capture_end_time = now(), updated_at = now()
		WHERE id = $1
		RETURNING capture_end_time
	`
	if err := s.db.QueryRow(ctx, query, job.ID).Scan(&job.CaptureEndTime); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	job.Status = capture.StatusCompleted
	return nil
}

func scanJob(row pgx.Row) (capture.Job, error) {
	var job capture.Job
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.RequestedURL,
		&job.ValidatedURL,
		&job.Status,
		&job.Human,
		&job.Order,
		&job.StepCount,
		&job.StepDescription,
		&job.Message,
		&job.CaptureStartTime,
		&job.CaptureEndTime,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	return job, err
}
