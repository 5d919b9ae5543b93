package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ajmather/captureq/internal/capture"
)

// ArchiveStore implements capture.ArchiveStore on Postgres.
type ArchiveStore struct {
	db DB
}

// CreateArchive inserts the archive record for a completed job.
func (s *ArchiveStore) CreateArchive(ctx context.Context, archive *capture.Archive) error {
	query := `
		INSERT INTO archives (job_id, hash, hash_algorithm, warc_size, download_url, download_expiration_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query,
		archive.JobID,
		archive.Hash,
		archive.HashAlgorithm,
		archive.WARCSize,
		archive.DownloadURL,
		archive.DownloadExpirationTimestamp,
	).Scan(&archive.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	return nil
}

// GetArchiveByJob fetches the archive for a job, if one exists.
func (s *ArchiveStore) GetArchiveByJob(ctx context.Context, jobID uuid.UUID) (capture.Archive, bool, error) {
	query := `
		SELECT job_id, hash, hash_algorithm, warc_size, download_url, download_expiration_timestamp, created_at
		FROM archives
		WHERE job_id = $1
	`
	var archive capture.Archive
	err := s.db.QueryRow(ctx, query, jobID).Scan(
		&archive.JobID,
		&archive.Hash,
		&archive.HashAlgorithm,
		&archive.WARCSize,
		&archive.DownloadURL,
		&archive.DownloadExpirationTimestamp,
		&archive.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Archive{}, false, nil
	}
	if err != nil {
		return capture.Archive{}, false, fmt.Errorf("get archive: %w", err)
	}
	return archive, true, nil
}
