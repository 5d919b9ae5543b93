package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ajmather/captureq/internal/capture"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestJobStore_CreateJob_AssignsOrder(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO capture_jobs`).
		WithArgs(pgxmock.AnyArg(), int64(7), "example.com", true).
		WillReturnRows(pgxmock.NewRows([]string{"order", "status", "created_at", "updated_at"}).
			AddRow(int64(3), capture.StatusPending, now, now))

	job := &capture.Job{UserID: 7, RequestedURL: "example.com", Human: true}
	require.NoError(t, store.Jobs.CreateJob(context.Background(), job))
	require.NotEqual(t, uuid.Nil, job.ID)
	require.Equal(t, int64(3), job.Order)
	require.Equal(t, capture.StatusPending, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ReserveNext_ClaimsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE capture_jobs AS j`).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "requested_url", "validated_url", "status", "human", "order",
			"step_count", "step_description", "message", "capture_start_time", "capture_end_time",
			"created_at", "updated_at",
		}).AddRow(
			id, int64(7), "example.com", "", capture.StatusInProgress, true, int64(1),
			0, "", capture.Message{}, &now, (*time.Time)(nil),
			now, now,
		))

	job, ok, err := store.Jobs.ReserveNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, job.ID)
	require.Equal(t, capture.StatusInProgress, job.Status)
	require.NotNil(t, job.CaptureStartTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ReserveNext_EmptyQueue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE capture_jobs AS j`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, ok, err := store.Jobs.ReserveNext(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_FailExpired_UsesDatabaseClock(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(`make_interval`).
		WithArgs(float64(300), capture.NonFieldErrorsKey).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	reaped, err := store.Jobs.FailExpired(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, reaped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_QueuePosition_NotPending(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT count`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"count"}))

	_, err := store.Jobs.QueuePosition(context.Background(), id)
	require.ErrorIs(t, err, capture.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_MarkFailed_WritesMessage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	ended := time.Now().UTC()

	mock.ExpectQuery(`SET status = 'failed'`).
		WithArgs(id, "Failed during capture.", capture.NonFieldErrorsKey).
		WillReturnRows(pgxmock.NewRows([]string{"capture_end_time"}).AddRow(&ended))

	job := &capture.Job{ID: id, Status: capture.StatusInProgress}
	require.NoError(t, store.Jobs.MarkFailed(context.Background(), job, "Failed during capture."))
	require.Equal(t, capture.StatusFailed, job.Status)
	require.Equal(t, capture.Message{capture.NonFieldErrorsKey: {"Failed during capture."}}, job.Message)
	require.NotNil(t, job.CaptureEndTime)
	require.NoError(t, mock.ExpectationsWereMet())
}
